package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/cipherscore/internal/scoring"
)

// metricsFlags binds the WalletMetrics fields to a command. --metrics-file
// takes precedence over the individual flags.
type metricsFlags struct {
	file string
	m    scoring.WalletMetrics
}

func (f *metricsFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.file, "metrics-file", "", "JSON metrics file ('-' for stdin)")
	fs.Uint32Var(&f.m.WalletAgeDays, "age-days", 0, "wallet age in days")
	fs.Uint32Var(&f.m.TransactionCount, "txs", 0, "transaction count")
	fs.Uint64Var(&f.m.TotalVolumeUSD, "volume-usd", 0, "total volume in USD, scaled by 1000")
	fs.Uint16Var(&f.m.UniqueProtocols, "protocols", 0, "distinct protocols interacted with")
	fs.Uint16Var(&f.m.DefiPositions, "defi", 0, "open DeFi positions")
	fs.Uint16Var(&f.m.NFTCount, "nfts", 0, "NFTs held")
	fs.Uint16Var(&f.m.FailedTxs, "failed-txs", 0, "failed transactions")
	fs.Uint64Var(&f.m.SOLBalance, "lamports", 0, "SOL balance in lamports")
}

// set reports whether any metric was supplied.
func (f *metricsFlags) set(cmd *cobra.Command) bool {
	if f.file != "" {
		return true
	}
	for _, name := range []string{"age-days", "txs", "volume-usd", "protocols", "defi", "nfts", "failed-txs", "lamports"} {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

func (f *metricsFlags) load(stdin io.Reader) (scoring.WalletMetrics, error) {
	if f.file == "" {
		return f.m, nil
	}
	var r io.Reader = stdin
	if f.file != "-" {
		fh, err := os.Open(f.file)
		if err != nil {
			return scoring.WalletMetrics{}, err
		}
		defer func() { _ = fh.Close() }()
		r = fh
	}
	var m scoring.WalletMetrics
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return m, fmt.Errorf("parse metrics: %w", err)
	}
	return m, nil
}
