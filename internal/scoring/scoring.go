// Package scoring computes the credit score and risk tier for a wallet's
// on-chain activity.
//
// The functions here are pure. They run inside the compute cluster against
// decrypted metrics and must produce identical results for identical input,
// so all arithmetic is unsigned integer math with explicit caps.
package scoring

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Score bounds.
const (
	MinScore   uint16 = 300
	MaxScore   uint16 = 850
	FloorScore uint16 = 250
)

// WalletMetrics is the plaintext activity profile of a wallet.
// NFTCount and SOLBalance are carried through the protocol but do not
// contribute to the score.
type WalletMetrics struct {
	WalletAgeDays    uint32 `json:"walletAgeDays"`
	TransactionCount uint32 `json:"transactionCount"`
	TotalVolumeUSD   uint64 `json:"totalVolumeUsd"`
	UniqueProtocols  uint16 `json:"uniqueProtocols"`
	DefiPositions    uint16 `json:"defiPositions"`
	NFTCount         uint16 `json:"nftCount"`
	FailedTxs        uint16 `json:"failedTxs"`
	SOLBalance       uint64 `json:"solBalance"`
}

// RiskLevel is the coarse risk tier derived from a score.
type RiskLevel uint8

const (
	RiskLow    RiskLevel = 0
	RiskMedium RiskLevel = 1
	RiskHigh   RiskLevel = 2
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return fmt.Sprintf("risk(%d)", uint8(r))
	}
}

// Valid reports whether r is one of the three defined tiers.
func (r RiskLevel) Valid() bool {
	return r <= RiskHigh
}

// ParseRiskLevel accepts the string form ("low", "medium", "high").
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	}
	return 0, fmt.Errorf("unknown risk level %q", s)
}

func (r RiskLevel) MarshalJSON() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid risk level %d", uint8(r))
	}
	return json.Marshal(r.String())
}

func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseRiskLevel(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// CreditReport is the output of a disclosure computation before it is
// encrypted for the receiver.
type CreditReport struct {
	Score     uint16    `json:"score"`
	RiskLevel RiskLevel `json:"riskLevel"`
	Timestamp int64     `json:"timestamp"`
}

// Params holds the component weights and thresholds. DefaultParams is the
// only parameter set the network uses; the type exists so tests can name
// each threshold.
type Params struct {
	Base uint32

	AgeFullDays uint32
	AgeMax      uint32

	ActivityFullTxs uint32
	ActivityPerTx   uint32
	ActivityMax     uint32

	VolumeFull    uint64
	VolumePerUnit uint64
	VolumeMax     uint64

	DiversityFull     uint32
	DiversityPerProto uint32
	DiversityMax      uint32

	DefiPerPosition uint32
	DefiMax         uint32

	PenaltyPerFailed uint32
	PenaltyMax       uint32

	LowRiskMin    uint16
	MediumRiskMin uint16
}

// DefaultParams returns the production scoring parameters.
func DefaultParams() Params {
	return Params{
		Base: uint32(MinScore),

		AgeFullDays: 365,
		AgeMax:      150,

		ActivityFullTxs: 100,
		ActivityPerTx:   2,
		ActivityMax:     200,

		VolumeFull:    10_000_000,
		VolumePerUnit: 50_000,
		VolumeMax:     200,

		DiversityFull:     10,
		DiversityPerProto: 10,
		DiversityMax:      100,

		DefiPerPosition: 10,
		DefiMax:         50,

		PenaltyPerFailed: 5,
		PenaltyMax:       50,

		LowRiskMin:    700,
		MediumRiskMin: 500,
	}
}

// Breakdown is the per-component contribution to a score.
type Breakdown struct {
	Base      uint32 `json:"base"`
	Age       uint32 `json:"age"`
	Activity  uint32 `json:"activity"`
	Volume    uint32 `json:"volume"`
	Diversity uint32 `json:"diversity"`
	Defi      uint32 `json:"defi"`
	Penalty   uint32 `json:"penalty"`
}

// Sum is the positive total before the penalty is applied.
func (b Breakdown) Sum() uint32 {
	return b.Base + b.Age + b.Activity + b.Volume + b.Diversity + b.Defi
}

// Explain returns the component contributions for m.
func (p Params) Explain(m WalletMetrics) Breakdown {
	b := Breakdown{Base: p.Base}

	if m.WalletAgeDays >= p.AgeFullDays {
		b.Age = p.AgeMax
	} else {
		b.Age = m.WalletAgeDays * p.AgeMax / p.AgeFullDays
	}

	if m.TransactionCount >= p.ActivityFullTxs {
		b.Activity = p.ActivityMax
	} else {
		b.Activity = m.TransactionCount * p.ActivityPerTx
	}

	if m.TotalVolumeUSD >= p.VolumeFull {
		b.Volume = uint32(p.VolumeMax)
	} else {
		b.Volume = uint32(min(p.VolumeMax, m.TotalVolumeUSD/p.VolumePerUnit))
	}

	if uint32(m.UniqueProtocols) >= p.DiversityFull {
		b.Diversity = p.DiversityMax
	} else {
		b.Diversity = uint32(m.UniqueProtocols) * p.DiversityPerProto
	}

	b.Defi = min(p.DefiMax, uint32(m.DefiPositions)*p.DefiPerPosition)
	b.Penalty = min(p.PenaltyMax, uint32(m.FailedTxs)*p.PenaltyPerFailed)
	return b
}

// Score computes the credit score and risk tier for m.
func (p Params) Score(m WalletMetrics) (uint16, RiskLevel) {
	b := p.Explain(m)

	total := b.Sum()
	var score uint32
	if total > b.Penalty {
		score = total - b.Penalty
	} else {
		// Unreachable with Base > PenaltyMax; kept so a parameter change
		// can never underflow.
		score = uint32(FloorScore)
	}
	score = min(score, uint32(MaxScore))

	s := uint16(score)
	return s, p.RiskFor(s)
}

// RiskFor maps a score to its risk tier.
func (p Params) RiskFor(score uint16) RiskLevel {
	switch {
	case score >= p.LowRiskMin:
		return RiskLow
	case score >= p.MediumRiskMin:
		return RiskMedium
	default:
		return RiskHigh
	}
}

var defaults = DefaultParams()

// Score computes the credit score and risk tier using DefaultParams.
func Score(m WalletMetrics) (uint16, RiskLevel) {
	return defaults.Score(m)
}

// RiskFor maps a score to its risk tier using DefaultParams.
func RiskFor(score uint16) RiskLevel {
	return defaults.RiskFor(score)
}
