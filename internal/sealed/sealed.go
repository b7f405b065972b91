// Package sealed holds the opaque values that cross the confidential
// compute boundary: ciphertexts, x25519 public keys, and u128 nonces.
//
// Outside the compute cluster a Ciphertext supports nothing but equality
// and copying. Only the cluster (or a key holder) decrypts.
package sealed

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mr-tron/base58"
)

const (
	CiphertextSize = 32
	PublicKeySize  = 32
	NonceSize      = 16

	// MetricsFieldCount is the number of ciphertexts in EncryptedWalletMetrics.
	MetricsFieldCount = 8
)

var (
	ErrInvalidLength = errors.New("sealed: invalid length")
	ErrInvalidNonce  = errors.New("sealed: invalid nonce")
	ErrInvalidKey    = errors.New("sealed: invalid public key")
)

// Ciphertext is a single encrypted field.
type Ciphertext [CiphertextSize]byte

func (c Ciphertext) String() string { return hexutil.Encode(c[:]) }

func (c Ciphertext) MarshalText() ([]byte, error) {
	return []byte(hexutil.Encode(c[:])), nil
}

func (c *Ciphertext) UnmarshalText(text []byte) error {
	b, err := hexutil.Decode(string(text))
	if err != nil {
		return fmt.Errorf("ciphertext: %w", err)
	}
	if len(b) != CiphertextSize {
		return fmt.Errorf("ciphertext: %w: got %d bytes", ErrInvalidLength, len(b))
	}
	copy(c[:], b)
	return nil
}

// PublicKey is an x25519 public key.
type PublicKey [PublicKeySize]byte

// ParsePublicKey accepts 0x-prefixed hex or base58.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	s = strings.TrimSpace(s)
	var (
		b   []byte
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		b, err = hexutil.Decode(s)
	} else {
		b, err = base58.Decode(s)
	}
	if err != nil {
		return pk, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func (k PublicKey) String() string { return hexutil.Encode(k[:]) }

// Base58 returns the base58 form of the key.
func (k PublicKey) Base58() string { return base58.Encode(k[:]) }

// IsZero reports whether the key is all zero bytes.
func (k PublicKey) IsZero() bool { return k == PublicKey{} }

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(hexutil.Encode(k[:])), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	pk, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*k = pk
	return nil
}

// Nonce is an unsigned 128-bit value stored little-endian.
type Nonce [NonceSize]byte

var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// NonceFromUint64 returns the nonce with value n.
func NonceFromUint64(n uint64) Nonce {
	var out Nonce
	binary.LittleEndian.PutUint64(out[:8], n)
	return out
}

// NonceFromBig converts n, which must be in [0, 2^128).
func NonceFromBig(n *big.Int) (Nonce, error) {
	var out Nonce
	if n == nil || n.Sign() < 0 || n.Cmp(maxU128) > 0 {
		return out, fmt.Errorf("%w: out of u128 range", ErrInvalidNonce)
	}
	be := n.FillBytes(make([]byte, NonceSize))
	for i := range be {
		out[i] = be[NonceSize-1-i]
	}
	return out, nil
}

// ParseNonce accepts a decimal string or 0x-prefixed hex.
func ParseNonce(s string) (Nonce, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := hexutil.DecodeBig(s)
		if err != nil {
			return Nonce{}, fmt.Errorf("%w: %v", ErrInvalidNonce, err)
		}
		return NonceFromBig(n)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Nonce{}, fmt.Errorf("%w: %q is not a decimal integer", ErrInvalidNonce, s)
	}
	return NonceFromBig(n)
}

// RandomNonce draws a nonce from crypto/rand.
func RandomNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("random nonce: %w", err)
	}
	return n, nil
}

// Big returns the nonce as an integer.
func (n Nonce) Big() *big.Int {
	be := make([]byte, NonceSize)
	for i := range n {
		be[NonceSize-1-i] = n[i]
	}
	return new(big.Int).SetBytes(be)
}

// Next returns n+1, wrapping at 2^128.
func (n Nonce) Next() Nonce {
	out := n
	for i := range out {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

func (n Nonce) String() string { return n.Big().String() }

func (n Nonce) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *Nonce) UnmarshalText(text []byte) error {
	v, err := ParseNonce(string(text))
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// EncryptedWalletMetrics mirrors scoring.WalletMetrics field for field.
type EncryptedWalletMetrics struct {
	WalletAgeDays    Ciphertext `json:"walletAgeDays"`
	TransactionCount Ciphertext `json:"transactionCount"`
	TotalVolumeUSD   Ciphertext `json:"totalVolumeUsd"`
	UniqueProtocols  Ciphertext `json:"uniqueProtocols"`
	DefiPositions    Ciphertext `json:"defiPositions"`
	NFTCount         Ciphertext `json:"nftCount"`
	FailedTxs        Ciphertext `json:"failedTxs"`
	SOLBalance       Ciphertext `json:"solBalance"`
}

// Fields returns the ciphertexts in declared order. The compute cluster
// consumes them positionally, so this order is part of the wire contract.
func (e EncryptedWalletMetrics) Fields() [MetricsFieldCount]Ciphertext {
	return [MetricsFieldCount]Ciphertext{
		e.WalletAgeDays,
		e.TransactionCount,
		e.TotalVolumeUSD,
		e.UniqueProtocols,
		e.DefiPositions,
		e.NFTCount,
		e.FailedTxs,
		e.SOLBalance,
	}
}

// MetricsFromFields is the inverse of Fields.
func MetricsFromFields(f [MetricsFieldCount]Ciphertext) EncryptedWalletMetrics {
	return EncryptedWalletMetrics{
		WalletAgeDays:    f[0],
		TransactionCount: f[1],
		TotalVolumeUSD:   f[2],
		UniqueProtocols:  f[3],
		DefiPositions:    f[4],
		NFTCount:         f[5],
		FailedTxs:        f[6],
		SOLBalance:       f[7],
	}
}

// IsZero reports whether no metrics have been stored.
func (e EncryptedWalletMetrics) IsZero() bool {
	return e == EncryptedWalletMetrics{}
}

// Bytes returns the 256-byte persisted layout.
func (e EncryptedWalletMetrics) Bytes() []byte {
	out := make([]byte, 0, MetricsFieldCount*CiphertextSize)
	for _, c := range e.Fields() {
		out = append(out, c[:]...)
	}
	return out
}

// EncryptedWalletMetricsFromBytes parses the layout produced by Bytes.
// An empty slice yields the zero value.
func EncryptedWalletMetricsFromBytes(b []byte) (EncryptedWalletMetrics, error) {
	if len(b) == 0 {
		return EncryptedWalletMetrics{}, nil
	}
	if len(b) != MetricsFieldCount*CiphertextSize {
		return EncryptedWalletMetrics{}, fmt.Errorf("encrypted metrics: %w: got %d bytes", ErrInvalidLength, len(b))
	}
	var f [MetricsFieldCount]Ciphertext
	for i := range f {
		copy(f[i][:], b[i*CiphertextSize:(i+1)*CiphertextSize])
	}
	return MetricsFromFields(f), nil
}
