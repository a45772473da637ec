package securefile

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/wallet-session/internal/constants"
)

// EnvFolder maps WALLET_SESSION_ENV to a config subfolder. Production uses
// no subfolder.
func EnvFolder() (string, error) {
	raw := strings.TrimSpace(os.Getenv(constants.EnvPrefix + "_ENV"))
	switch strings.ToLower(raw) {
	case "", "prod", "production":
		return "", nil
	case "local":
		return "local", nil
	case "dev", "develop", "development":
		return "develop", nil
	default:
		return "", errors.Newf("invalid %s_ENV %q (allowed: local, develop, empty)", constants.EnvPrefix, raw)
	}
}

// ConfigPathCandidates returns where filename may live, in priority order:
// $SNAP_REAL_HOME/.config/<app>, $HOME/.config/<app>, then the OS user
// config dir.
func ConfigPathCandidates(app, filename string) ([]string, error) {
	if app == "" || filename == "" {
		return nil, errors.New("app and filename must not be empty")
	}
	env, err := EnvFolder()
	if err != nil {
		return nil, err
	}

	var paths []string
	seen := map[string]bool{}
	add := func(dir string) {
		if env != "" {
			dir = filepath.Join(dir, env)
		}
		p := filepath.Join(dir, filename)
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	for _, home := range []string{os.Getenv("SNAP_REAL_HOME"), os.Getenv("HOME")} {
		if home != "" {
			add(filepath.Join(home, ".config", app))
		}
	}
	if dir, err := os.UserConfigDir(); err == nil {
		add(filepath.Join(dir, app))
	} else if len(paths) == 0 {
		return nil, errors.Wrap(err, "user config dir")
	}
	return paths, nil
}

// FirstExisting returns the first candidate that exists, or the first
// candidate when none does.
func FirstExisting(candidates []string) string {
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0]
}
