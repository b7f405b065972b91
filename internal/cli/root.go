// Package cli implements scorectl, the command-line client for cipherscore.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/cipherscore/pkg/client"
)

var (
	apiURL     string
	apiKey     string
	walletFlag string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "scorectl",
	Short: "Confidential credit scores for Solana wallets",
	Long: "Compute, inspect, and disclose credit scores held by a cipherscore server.\n" +
		"Metrics can be encrypted locally so the server never sees them in the clear.",
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&apiURL, "api-url", envOr("CIPHERSCORE_API_URL", "http://localhost:8080"), "cipherscore server URL")
	pf.StringVar(&apiKey, "api-key", os.Getenv("CIPHERSCORE_API_KEY"), "API key (sk_...)")
	pf.StringVar(&walletFlag, "wallet", os.Getenv("CIPHERSCORE_WALLET"), "wallet bound to the API key")
	pf.BoolVar(&jsonOutput, "json", false, "print JSON instead of text")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.New(client.Config{BaseURL: apiURL, APIKey: apiKey})
}

func requireWallet(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if walletFlag == "" {
		return "", fmt.Errorf("wallet required: pass it as an argument, --wallet, or CIPHERSCORE_WALLET")
	}
	return walletFlag, nil
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
