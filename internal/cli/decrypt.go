package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/cipherscore/internal/sealed"
	"github.com/mbd888/cipherscore/pkg/client"
)

var (
	decryptKey        string
	decryptClusterKey string
	decryptFile       string
)

func init() {
	rootCmd.AddCommand(decryptCmd)
	decryptCmd.Flags().StringVar(&decryptKey, "key", "", "receiver private key (hex)")
	decryptCmd.Flags().StringVar(&decryptClusterKey, "cluster-key", "", "cluster public key (fetched from the server when empty)")
	decryptCmd.Flags().StringVar(&decryptFile, "report-file", "", "read the encrypted report JSON from a file instead of fetching it")
	_ = decryptCmd.MarkFlagRequired("key")
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt-report [offset]",
	Short: "Decrypt a disclosed report with the receiver's private key",
	Example: "  scorectl decrypt-report 44 --key 0x...\n" +
		"  scorectl decrypt-report --report-file report.json --cluster-key 0x... --key 0x...",
	Args: cobra.MaximumNArgs(1),
	RunE: runDecrypt,
}

func runDecrypt(cmd *cobra.Command, args []string) error {
	priv, err := sealed.ParsePrivateKey(decryptKey)
	if err != nil {
		return err
	}
	c := newClient()
	ctx := cmd.Context()

	var report sealed.EncryptedReport
	switch {
	case decryptFile != "":
		data, err := os.ReadFile(decryptFile)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &report); err != nil {
			return fmt.Errorf("parse report: %w", err)
		}
	case len(args) == 1:
		offset, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("offset must be a decimal integer")
		}
		comp, err := c.Computation(ctx, offset, 0)
		if err != nil {
			return err
		}
		if comp.Report == nil {
			return fmt.Errorf("computation %d has no report (status %s)", offset, comp.Status)
		}
		report = *comp.Report
	default:
		return fmt.Errorf("pass an offset or --report-file")
	}

	var clusterKey sealed.PublicKey
	if decryptClusterKey != "" {
		if clusterKey, err = sealed.ParsePublicKey(decryptClusterKey); err != nil {
			return fmt.Errorf("--cluster-key: %w", err)
		}
	} else {
		info, err := c.ClusterInfo(ctx)
		if err != nil {
			return err
		}
		clusterKey = info.PublicKey
	}

	r, err := client.DecryptReport(priv, clusterKey, report)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, r)
	}
	fmt.Fprintf(out, "score: %d (%s risk)\n", r.Score, r.RiskLevel)
	fmt.Fprintf(out, "as of: %s\n", time.Unix(r.Timestamp, 0).UTC().Format(time.RFC3339))
	return nil
}
