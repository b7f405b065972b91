package sealed

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"

	"github.com/mbd888/cipherscore/internal/scoring"
)

// ErrMalformedPlaintext is returned when a decrypted field does not fit the
// width it is declared with. With this scheme that almost always means the
// wrong key or nonce was used.
var ErrMalformedPlaintext = errors.New("sealed: malformed plaintext")

// PrivateKey is an x25519 scalar.
type PrivateKey [32]byte

// ParsePrivateKey accepts 32 bytes of hex, with or without the 0x prefix.
func ParsePrivateKey(s string) (PrivateKey, error) {
	var k PrivateKey
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return k, fmt.Errorf("sealed: invalid private key: %v", err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("sealed: invalid private key: got %d bytes", len(b))
	}
	copy(k[:], b)
	return k, nil
}

// Hex encodes the key with a 0x prefix. There is no String method; keep
// private keys out of %v.
func (k PrivateKey) Hex() string { return hexutil.Encode(k[:]) }

// Keypair is an x25519 keypair.
type Keypair struct {
	Private PrivateKey
	Public  PublicKey
}

// GenerateKeypair draws a fresh keypair from crypto/rand.
func GenerateKeypair() (Keypair, error) {
	var kp Keypair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, fmt.Errorf("generate keypair: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// KeypairFromPrivate derives the public half of priv.
func KeypairFromPrivate(priv PrivateKey) (Keypair, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return Keypair{}, fmt.Errorf("derive public key: %w", err)
	}
	kp := Keypair{Private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Cipher encrypts and decrypts field values under the key shared between
// one private key and one peer public key. Both sides of the exchange
// derive the same Cipher.
//
// Field i of a message is the 32-byte little-endian value XOR bytes
// [32i, 32i+32) of the XChaCha20 keystream keyed by SHA-256 of the x25519
// shared secret, with the nonce zero-padded to 24 bytes.
type Cipher struct {
	key [32]byte
}

// NewCipher derives the shared cipher for priv and peer.
func NewCipher(priv PrivateKey, peer PublicKey) (*Cipher, error) {
	shared, err := curve25519.X25519(priv[:], peer[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Cipher{key: sha256.Sum256(shared)}, nil
}

func (c *Cipher) keystream(nonce Nonce, n int) ([]byte, error) {
	var xnonce [chacha20.NonceSizeX]byte
	copy(xnonce[:], nonce[:])
	s, err := chacha20.NewUnauthenticatedCipher(c.key[:], xnonce[:])
	if err != nil {
		return nil, fmt.Errorf("init stream: %w", err)
	}
	ks := make([]byte, n*CiphertextSize)
	s.XORKeyStream(ks, ks)
	return ks, nil
}

// Encrypt seals values under nonce, one ciphertext per value.
func (c *Cipher) Encrypt(nonce Nonce, values ...uint64) ([]Ciphertext, error) {
	ks, err := c.keystream(nonce, len(values))
	if err != nil {
		return nil, err
	}
	out := make([]Ciphertext, len(values))
	for i, v := range values {
		var pt [CiphertextSize]byte
		binary.LittleEndian.PutUint64(pt[:8], v)
		for j := range pt {
			out[i][j] = pt[j] ^ ks[i*CiphertextSize+j]
		}
	}
	return out, nil
}

// Decrypt opens cts under nonce. A field whose plaintext does not fit in
// 64 bits is rejected with ErrMalformedPlaintext.
func (c *Cipher) Decrypt(nonce Nonce, cts ...Ciphertext) ([]uint64, error) {
	ks, err := c.keystream(nonce, len(cts))
	if err != nil {
		return nil, err
	}
	out := make([]uint64, len(cts))
	for i, ct := range cts {
		var pt [CiphertextSize]byte
		for j := range pt {
			pt[j] = ct[j] ^ ks[i*CiphertextSize+j]
		}
		for _, b := range pt[8:] {
			if b != 0 {
				return nil, fmt.Errorf("%w: field %d", ErrMalformedPlaintext, i)
			}
		}
		out[i] = binary.LittleEndian.Uint64(pt[:8])
	}
	return out, nil
}

// EncryptMetrics seals m field by field in declared order.
func (c *Cipher) EncryptMetrics(nonce Nonce, m scoring.WalletMetrics) (EncryptedWalletMetrics, error) {
	cts, err := c.Encrypt(nonce,
		uint64(m.WalletAgeDays),
		uint64(m.TransactionCount),
		m.TotalVolumeUSD,
		uint64(m.UniqueProtocols),
		uint64(m.DefiPositions),
		uint64(m.NFTCount),
		uint64(m.FailedTxs),
		m.SOLBalance,
	)
	if err != nil {
		return EncryptedWalletMetrics{}, err
	}
	var f [MetricsFieldCount]Ciphertext
	copy(f[:], cts)
	return MetricsFromFields(f), nil
}

// DecryptMetrics opens e and checks every field against its declared width.
func (c *Cipher) DecryptMetrics(nonce Nonce, e EncryptedWalletMetrics) (scoring.WalletMetrics, error) {
	f := e.Fields()
	v, err := c.Decrypt(nonce, f[:]...)
	if err != nil {
		return scoring.WalletMetrics{}, err
	}
	widths := [MetricsFieldCount]uint64{
		math.MaxUint32, math.MaxUint32, math.MaxUint64, math.MaxUint16,
		math.MaxUint16, math.MaxUint16, math.MaxUint16, math.MaxUint64,
	}
	for i := range v {
		if v[i] > widths[i] {
			return scoring.WalletMetrics{}, fmt.Errorf("%w: field %d exceeds its width", ErrMalformedPlaintext, i)
		}
	}
	return scoring.WalletMetrics{
		WalletAgeDays:    uint32(v[0]),
		TransactionCount: uint32(v[1]),
		TotalVolumeUSD:   v[2],
		UniqueProtocols:  uint16(v[3]),
		DefiPositions:    uint16(v[4]),
		NFTCount:         uint16(v[5]),
		FailedTxs:        uint16(v[6]),
		SOLBalance:       v[7],
	}, nil
}

// EncryptedReport is a CreditReport sealed for its receiver.
type EncryptedReport struct {
	Nonce     Nonce      `json:"nonce"`
	Score     Ciphertext `json:"encryptedScore"`
	RiskLevel Ciphertext `json:"encryptedRiskLevel"`
	Timestamp Ciphertext `json:"encryptedTimestamp"`
}

// EncryptReport seals r under nonce.
func (c *Cipher) EncryptReport(nonce Nonce, r scoring.CreditReport) (EncryptedReport, error) {
	if r.Timestamp < 0 {
		return EncryptedReport{}, fmt.Errorf("report timestamp %d is negative", r.Timestamp)
	}
	cts, err := c.Encrypt(nonce, uint64(r.Score), uint64(r.RiskLevel), uint64(r.Timestamp))
	if err != nil {
		return EncryptedReport{}, err
	}
	return EncryptedReport{Nonce: nonce, Score: cts[0], RiskLevel: cts[1], Timestamp: cts[2]}, nil
}

// DecryptReport opens a report sealed by EncryptReport.
func (c *Cipher) DecryptReport(r EncryptedReport) (scoring.CreditReport, error) {
	v, err := c.Decrypt(r.Nonce, r.Score, r.RiskLevel, r.Timestamp)
	if err != nil {
		return scoring.CreditReport{}, err
	}
	if v[0] > math.MaxUint16 || !scoring.RiskLevel(v[1]).Valid() || v[1] > math.MaxUint8 || v[2] > math.MaxInt64 {
		return scoring.CreditReport{}, fmt.Errorf("%w: report out of range", ErrMalformedPlaintext)
	}
	return scoring.CreditReport{
		Score:     uint16(v[0]),
		RiskLevel: scoring.RiskLevel(v[1]),
		Timestamp: int64(v[2]),
	}, nil
}
