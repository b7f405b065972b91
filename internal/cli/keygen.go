package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/cipherscore/internal/sealed"
)

func init() {
	rootCmd.AddCommand(keygenCmd)
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an x25519 keypair",
	Long: "Generates a keypair for encrypting metrics or receiving disclosed reports.\n" +
		"The private key is printed once; store it yourself.",
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func runKeygen(cmd *cobra.Command, args []string) error {
	kp, err := sealed.GenerateKeypair()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]string{
			"publicKey":       kp.Public.String(),
			"publicKeyBase58": kp.Public.Base58(),
			"privateKey":      kp.Private.Hex(),
		})
	}
	fmt.Fprintf(out, "public:  %s\n", kp.Public)
	fmt.Fprintf(out, "base58:  %s\n", kp.Public.Base58())
	fmt.Fprintf(out, "private: %s\n", kp.Private.Hex())
	return nil
}
