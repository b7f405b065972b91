package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/cipherscore/internal/scoring"
)

var scoreMetrics metricsFlags

func init() {
	rootCmd.AddCommand(scoreCmd)
	scoreMetrics.register(scoreCmd)
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score metrics locally without contacting the server",
	Long:  "Runs the scoring formula on this machine and prints the per-component breakdown.",
	Example: "  scorectl score --age-days 400 --txs 1200 --volume-usd 50000 --protocols 12\n" +
		"  scorectl score --metrics-file metrics.json",
	Args: cobra.NoArgs,
	RunE: runScore,
}

func runScore(cmd *cobra.Command, args []string) error {
	m, err := scoreMetrics.load(cmd.InOrStdin())
	if err != nil {
		return err
	}
	p := scoring.DefaultParams()
	b := p.Explain(m)
	score, risk := p.Score(m)

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"score":     score,
			"riskLevel": risk,
			"breakdown": b,
		})
	}
	fmt.Fprintf(out, "score: %d (%s risk)\n", score, risk)
	fmt.Fprintf(out, "  base       %4d\n", b.Base)
	fmt.Fprintf(out, "  age       +%4d\n", b.Age)
	fmt.Fprintf(out, "  activity  +%4d\n", b.Activity)
	fmt.Fprintf(out, "  volume    +%4d\n", b.Volume)
	fmt.Fprintf(out, "  diversity +%4d\n", b.Diversity)
	fmt.Fprintf(out, "  defi      +%4d\n", b.Defi)
	fmt.Fprintf(out, "  penalty   -%4d\n", b.Penalty)
	return nil
}
