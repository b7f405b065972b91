package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/cipherscore/internal/sealed"
	"github.com/mbd888/cipherscore/pkg/client"
)

var (
	calcMetrics metricsFlags
	calcWait    time.Duration
	calcKey     string

	shareReceiverKey   string
	shareReceiverNonce string
	shareSenderKey     string
	shareSenderNonce   string

	compWait time.Duration
)

func init() {
	rootCmd.AddCommand(clusterCmd, statusCmd, calculateCmd, shareCmd, computationCmd, usageCmd)

	calcMetrics.register(calculateCmd)
	calculateCmd.Flags().DurationVar(&calcWait, "wait", 30*time.Second, "how long to wait for the score (0 returns immediately)")
	calculateCmd.Flags().StringVar(&calcKey, "encrypt-with", "", "encrypt metrics locally with this private key (hex) instead of sending plaintext")

	shareCmd.Flags().StringVar(&shareReceiverKey, "receiver-key", "", "receiver public key (hex or base58)")
	shareCmd.Flags().StringVar(&shareReceiverNonce, "receiver-nonce", "", "receiver-chosen nonce")
	shareCmd.Flags().StringVar(&shareSenderKey, "sender-key", "", "sender key from calculate")
	shareCmd.Flags().StringVar(&shareSenderNonce, "sender-nonce", "", "nonce from calculate")
	for _, f := range []string{"receiver-key", "receiver-nonce", "sender-key", "sender-nonce"} {
		_ = shareCmd.MarkFlagRequired(f)
	}

	computationCmd.Flags().DurationVar(&compWait, "wait", 0, "wait this long for a pending computation")
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Show the compute cluster public key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := newClient().ClusterInfo(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, info)
		}
		fmt.Fprintf(out, "public: %s\nbase58: %s\nready:  %t\n", info.PublicKey, info.PublicKeyBase58, info.Ready)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [wallet]",
	Short: "Show a wallet's credit record status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wallet, err := requireWallet(args)
		if err != nil {
			return err
		}
		st, err := newClient().WalletStatus(cmd.Context(), wallet)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, st)
		}
		if !st.Exists {
			fmt.Fprintf(out, "%s: no record\n", st.Wallet)
			return nil
		}
		fmt.Fprintf(out, "%s: %d (%s risk)\n", st.Wallet, st.CurrentScore, st.RiskLevel)
		fmt.Fprintf(out, "  fresh:      %t\n", st.ScoreFresh)
		fmt.Fprintf(out, "  can submit: %t\n", st.CanSubmit)
		if !st.CanSubmit {
			fmt.Fprintf(out, "  next:       %s\n", time.Unix(st.NextSubmissionAt, 0).UTC().Format(time.RFC3339))
		}
		return nil
	},
}

var calculateCmd = &cobra.Command{
	Use:   "calculate",
	Short: "Compute a new score for your wallet",
	Long: "Submits metrics for scoring. Without metrics flags the server derives them from chain history.\n" +
		"With --encrypt-with the metrics are encrypted on this machine to the cluster key.",
	Args: cobra.NoArgs,
	RunE: runCalculate,
}

func runCalculate(cmd *cobra.Command, args []string) error {
	wallet, err := requireWallet(nil)
	if err != nil {
		return err
	}
	c := newClient()
	ctx := cmd.Context()

	var sub *client.Submission
	switch {
	case calcKey != "":
		if !calcMetrics.set(cmd) {
			return fmt.Errorf("--encrypt-with needs metrics")
		}
		priv, err := sealed.ParsePrivateKey(calcKey)
		if err != nil {
			return err
		}
		kp, err := sealed.KeypairFromPrivate(priv)
		if err != nil {
			return err
		}
		m, err := calcMetrics.load(cmd.InOrStdin())
		if err != nil {
			return err
		}
		if sub, err = c.EncryptAndSubmit(ctx, wallet, kp, m); err != nil {
			return err
		}
		if calcWait > 0 {
			comp, err := c.Computation(ctx, sub.Computation.Offset, calcWait)
			if err != nil {
				return err
			}
			sub.Computation = comp
		}
	case calcMetrics.set(cmd):
		m, err := calcMetrics.load(cmd.InOrStdin())
		if err != nil {
			return err
		}
		if sub, err = c.CalculateFromMetrics(ctx, wallet, m, calcWait); err != nil {
			return err
		}
	default:
		if sub, err = c.CalculateFromWallet(ctx, wallet, calcWait); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, sub)
	}
	printComputation(cmd, sub.Computation)
	fmt.Fprintf(out, "sender key:   %s\n", sub.SenderKey)
	fmt.Fprintf(out, "sender nonce: %s\n", sub.Nonce)
	return nil
}

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Disclose your current score to a receiver key",
	Args:  cobra.NoArgs,
	RunE:  runShare,
}

func runShare(cmd *cobra.Command, args []string) error {
	wallet, err := requireWallet(nil)
	if err != nil {
		return err
	}
	var req client.ShareRequest
	if req.ReceiverKey, err = sealed.ParsePublicKey(shareReceiverKey); err != nil {
		return fmt.Errorf("--receiver-key: %w", err)
	}
	if req.ReceiverNonce, err = sealed.ParseNonce(shareReceiverNonce); err != nil {
		return fmt.Errorf("--receiver-nonce: %w", err)
	}
	if req.SenderKey, err = sealed.ParsePublicKey(shareSenderKey); err != nil {
		return fmt.Errorf("--sender-key: %w", err)
	}
	if req.SenderNonce, err = sealed.ParseNonce(shareSenderNonce); err != nil {
		return fmt.Errorf("--sender-nonce: %w", err)
	}

	comp, err := newClient().Share(cmd.Context(), wallet, req)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), comp)
	}
	printComputation(cmd, comp)
	return nil
}

var computationCmd = &cobra.Command{
	Use:   "computation <offset>",
	Short: "Show a computation by offset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("offset must be a decimal integer")
		}
		comp, err := newClient().Computation(cmd.Context(), offset, compWait)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), comp)
		}
		printComputation(cmd, comp)
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show API key quota",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := newClient().Usage(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, u)
		}
		fmt.Fprintf(out, "%s: %d/%d used, %d remaining\n", u.Tier, u.Used, u.Limit, u.Remaining)
		return nil
	},
}

func printComputation(cmd *cobra.Command, c *client.Computation) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "offset:       %d\n", c.Offset)
	fmt.Fprintf(out, "circuit:      %s\n", c.Circuit)
	fmt.Fprintf(out, "status:       %s\n", c.Status)
	if c.Score != nil {
		fmt.Fprintf(out, "score:        %d\n", *c.Score)
	}
	if c.Error != "" {
		fmt.Fprintf(out, "error:        %s\n", c.Error)
	}
	if c.Report != nil {
		fmt.Fprintln(out, "report:       encrypted (use decrypt-report)")
	}
}
