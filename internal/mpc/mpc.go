// Package mpc is the boundary to the confidential compute network.
//
// Callers build a positional argument vector for a circuit, queue it under
// a caller-chosen offset, and later receive exactly one Outcome for that
// offset through the registered callback. Queue never blocks on the
// computation itself.
package mpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/cipherscore/internal/sealed"
)

var (
	ErrClusterNotSet  = errors.New("compute cluster not set")
	ErrUnavailable    = errors.New("compute service unavailable")
	ErrInvalidRequest = errors.New("invalid compute request")
)

// Circuit names a computation the cluster knows how to run.
type Circuit string

const (
	// CircuitCalculateScore decrypts metrics and reveals the score.
	CircuitCalculateScore Circuit = "calculate_credit_score"
	// CircuitShareScore decrypts metrics and seals a CreditReport for a receiver.
	CircuitShareScore Circuit = "calculate_and_share_score"
)

// Circuits lists every circuit in registration order.
var Circuits = []Circuit{CircuitCalculateScore, CircuitShareScore}

// ArgKind tags the type of a positional argument.
type ArgKind uint8

const (
	ArgPubkey ArgKind = iota + 1
	ArgPlaintextU128
	ArgEncryptedU16
	ArgEncryptedU32
	ArgEncryptedU64
)

func (k ArgKind) String() string {
	switch k {
	case ArgPubkey:
		return "pubkey"
	case ArgPlaintextU128:
		return "plaintext_u128"
	case ArgEncryptedU16:
		return "encrypted_u16"
	case ArgEncryptedU32:
		return "encrypted_u32"
	case ArgEncryptedU64:
		return "encrypted_u64"
	default:
		return fmt.Sprintf("arg(%d)", uint8(k))
	}
}

// Argument is one entry of a circuit's argument vector. Data holds a
// public key, a ciphertext, or a u128 in its first 16 bytes.
type Argument struct {
	Kind ArgKind
	Data [32]byte
}

// PubkeyArg wraps an x25519 public key.
func PubkeyArg(k sealed.PublicKey) Argument {
	return Argument{Kind: ArgPubkey, Data: k}
}

// NonceArg wraps a plaintext u128 nonce.
func NonceArg(n sealed.Nonce) Argument {
	a := Argument{Kind: ArgPlaintextU128}
	copy(a.Data[:], n[:])
	return a
}

// EncryptedArg wraps a ciphertext of the given kind.
func EncryptedArg(kind ArgKind, c sealed.Ciphertext) Argument {
	return Argument{Kind: kind, Data: c}
}

// PublicKey returns Data as a key.
func (a Argument) PublicKey() sealed.PublicKey { return sealed.PublicKey(a.Data) }

// Ciphertext returns Data as a ciphertext.
func (a Argument) Ciphertext() sealed.Ciphertext { return sealed.Ciphertext(a.Data) }

// Nonce returns the u128 held in Data.
func (a Argument) Nonce() sealed.Nonce {
	var n sealed.Nonce
	copy(n[:], a.Data[:sealed.NonceSize])
	return n
}

// metricKinds are the encrypted widths of WalletMetrics in declared order.
var metricKinds = [sealed.MetricsFieldCount]ArgKind{
	ArgEncryptedU32, // wallet_age_days
	ArgEncryptedU32, // transaction_count
	ArgEncryptedU64, // total_volume_usd
	ArgEncryptedU16, // unique_protocols
	ArgEncryptedU16, // defi_positions
	ArgEncryptedU16, // nft_count
	ArgEncryptedU16, // failed_txs
	ArgEncryptedU64, // sol_balance
}

func appendMetrics(args []Argument, m sealed.EncryptedWalletMetrics) []Argument {
	for i, c := range m.Fields() {
		args = append(args, EncryptedArg(metricKinds[i], c))
	}
	return args
}

// ScoreArgs builds the calculate_credit_score vector:
// sender key, nonce, then the eight metric ciphertexts.
func ScoreArgs(sender sealed.PublicKey, nonce sealed.Nonce, m sealed.EncryptedWalletMetrics) []Argument {
	args := make([]Argument, 0, 2+sealed.MetricsFieldCount)
	args = append(args, PubkeyArg(sender), NonceArg(nonce))
	return appendMetrics(args, m)
}

// ShareArgs builds the calculate_and_share_score vector: receiver key,
// receiver nonce, sender key, sender nonce, then the eight metric ciphertexts.
func ShareArgs(receiver sealed.PublicKey, receiverNonce sealed.Nonce, sender sealed.PublicKey, senderNonce sealed.Nonce, m sealed.EncryptedWalletMetrics) []Argument {
	args := make([]Argument, 0, 4+sealed.MetricsFieldCount)
	args = append(args,
		PubkeyArg(receiver), NonceArg(receiverNonce),
		PubkeyArg(sender), NonceArg(senderNonce),
	)
	return appendMetrics(args, m)
}

// expectedKinds returns the argument layout for c.
func expectedKinds(c Circuit) ([]ArgKind, bool) {
	var head []ArgKind
	switch c {
	case CircuitCalculateScore:
		head = []ArgKind{ArgPubkey, ArgPlaintextU128}
	case CircuitShareScore:
		head = []ArgKind{ArgPubkey, ArgPlaintextU128, ArgPubkey, ArgPlaintextU128}
	default:
		return nil, false
	}
	return append(head, metricKinds[:]...), true
}

// Validate checks the circuit name and argument layout.
func (r Request) Validate() error {
	want, ok := expectedKinds(r.Circuit)
	if !ok {
		return fmt.Errorf("%w: unknown circuit %q", ErrInvalidRequest, r.Circuit)
	}
	if len(r.Args) != len(want) {
		return fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvalidRequest, r.Circuit, len(want), len(r.Args))
	}
	for i, k := range want {
		if r.Args[i].Kind != k {
			return fmt.Errorf("%w: argument %d is %s, want %s", ErrInvalidRequest, i, r.Args[i].Kind, k)
		}
	}
	return nil
}

// Request is one queued computation.
type Request struct {
	Offset  uint64
	Circuit Circuit
	Args    []Argument
}

// Outcome is the single result delivered for an offset.
type Outcome struct {
	Offset  uint64
	Circuit Circuit
	Success bool

	// Score is set on a successful calculate_credit_score.
	Score uint16
	// Report is set on a successful calculate_and_share_score.
	Report *sealed.EncryptedReport

	// Err describes a failure. It never contains plaintext.
	Err string
}

// Callback receives outcomes. It is invoked from cluster goroutines.
type Callback func(ctx context.Context, o Outcome)

// Service queues computations on the network.
type Service interface {
	// Queue hands req to the network. It returns ErrClusterNotSet or
	// ErrUnavailable when the request cannot be accepted; in that case no
	// Outcome will ever be delivered for req.Offset.
	Queue(ctx context.Context, req Request) error
	// PublicKey is the key clients encrypt metrics to.
	PublicKey() sealed.PublicKey
	// Ready reports whether Queue would currently accept work.
	Ready() bool
}
