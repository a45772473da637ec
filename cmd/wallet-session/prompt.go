package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/term"
)

func promptPassphrase(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("storage passphrase required but stdin is not a terminal")
	}

	_, _ = fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, errors.Wrap(err, "read passphrase")
	}
	if len(pw) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	return pw, nil
}
