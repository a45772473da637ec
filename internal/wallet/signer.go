package wallet

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrNoAccount = errors.New("wallet exposes no account")

// Signer asks the wallet behind a transport to sign on behalf of its first
// account.
type Signer struct {
	transport Transport
}

func NewSigner(t Transport) *Signer {
	return &Signer{transport: t}
}

// Address returns the wallet's active account.
func (s *Signer) Address(ctx context.Context) (common.Address, error) {
	var accounts []common.Address
	if err := s.transport.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return common.Address{}, errors.Wrap(err, "eth_accounts")
	}
	if len(accounts) == 0 {
		return common.Address{}, ErrNoAccount
	}
	return accounts[0], nil
}

// SignMessage requests personal_sign over the UTF-8 bytes of message. The
// call can block until the user approves or rejects it in the wallet.
func (s *Signer) SignMessage(ctx context.Context, message string) (string, error) {
	addr, err := s.Address(ctx)
	if err != nil {
		return "", err
	}

	var sig hexutil.Bytes
	err = s.transport.CallContext(ctx, &sig, "personal_sign",
		hexutil.Encode([]byte(message)),
		strings.ToLower(addr.Hex()),
	)
	if err != nil {
		return "", errors.Wrap(err, "personal_sign")
	}
	return sig.String(), nil
}

func hashPersonalMessage(msg []byte) []byte {
	// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// VerifyPersonalSignature reports whether sig is a personal_sign signature
// of message by want. Both V=0/1 and V=27/28 encodings are accepted.
func VerifyPersonalSignature(message string, sig []byte, want common.Address) (bool, error) {
	if len(sig) != crypto.SignatureLength {
		return false, errors.Newf("signature length %d", len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(hashPersonalMessage([]byte(message)), normalized)
	if err != nil {
		return false, errors.Wrap(err, "recover signer")
	}
	return crypto.PubkeyToAddress(*pub) == want, nil
}
