package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
)

var (
	ErrMissingKey   = errors.New("signing key not configured")
	ErrSignerClosed = errors.New("signer already released")
)

// Signer holds a private key for the lifetime of one command or daemon run.
// Close wipes the key; a closed signer refuses to build transactors.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// LoadSigner reads a hex private key from the environment variable envVar.
// When the variable is unset and dotenvPath is not empty, the file is read
// without exporting its contents into the process environment.
func LoadSigner(envVar, dotenvPath string) (*Signer, error) {
	if envVar == "" {
		return nil, fmt.Errorf("%w: no key variable name given", ErrMissingKey)
	}
	raw := os.Getenv(envVar)
	if raw == "" && dotenvPath != "" {
		values, err := godotenv.Read(dotenvPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", dotenvPath, err)
		}
		raw = values[envVar]
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrMissingKey, envVar)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		// the parse error never echoes the key material
		return nil, fmt.Errorf("%s does not hold a valid secp256k1 key", envVar)
	}
	return NewSigner(key), nil
}

func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *Signer) Address() common.Address {
	return s.address
}

// TransactOpts builds EIP-155 transaction options bound to chainID.
func (s *Signer) TransactOpts(chainID *big.Int) (*bind.TransactOpts, error) {
	if s.key == nil {
		return nil, ErrSignerClosed
	}
	return bind.NewKeyedTransactorWithChainID(s.key, chainID)
}

// Close zeroes the private scalar. Transactors built earlier keep a reference
// to the same key and fail to sign afterwards.
func (s *Signer) Close() {
	if s.key == nil {
		return
	}
	s.key.D.SetInt64(0)
	s.key = nil
}
