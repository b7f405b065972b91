package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/cipherscore/internal/sealed"
	"github.com/mbd888/cipherscore/pkg/client"
)

var (
	encryptMetrics    metricsFlags
	encryptKey        string
	encryptClusterKey string
	encryptNonce      string

	submitFile string
)

func init() {
	rootCmd.AddCommand(encryptCmd, submitCmd)

	encryptMetrics.register(encryptCmd)
	encryptCmd.Flags().StringVar(&encryptKey, "key", "", "sender private key (hex)")
	encryptCmd.Flags().StringVar(&encryptClusterKey, "cluster-key", "", "cluster public key (fetched from the server when empty)")
	encryptCmd.Flags().StringVar(&encryptNonce, "nonce", "", "nonce (random when empty)")
	_ = encryptCmd.MarkFlagRequired("key")

	submitCmd.Flags().StringVar(&submitFile, "file", "-", "encrypted submission JSON ('-' for stdin)")
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt metrics to the cluster key and print the submission",
	Long: "Encrypts metrics on this machine and prints the JSON body for 'scorectl submit'.\n" +
		"Nothing is sent to the server except, without --cluster-key, a request for the cluster key.",
	Example: "  scorectl encrypt --key 0x... --metrics-file metrics.json > sub.json\n" +
		"  scorectl submit --file sub.json",
	Args: cobra.NoArgs,
	RunE: runEncrypt,
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	priv, err := sealed.ParsePrivateKey(encryptKey)
	if err != nil {
		return err
	}
	kp, err := sealed.KeypairFromPrivate(priv)
	if err != nil {
		return err
	}
	m, err := encryptMetrics.load(cmd.InOrStdin())
	if err != nil {
		return err
	}

	var clusterKey sealed.PublicKey
	if encryptClusterKey != "" {
		if clusterKey, err = sealed.ParsePublicKey(encryptClusterKey); err != nil {
			return fmt.Errorf("--cluster-key: %w", err)
		}
	} else {
		info, err := newClient().ClusterInfo(cmd.Context())
		if err != nil {
			return err
		}
		clusterKey = info.PublicKey
	}

	var nonce sealed.Nonce
	if encryptNonce != "" {
		nonce, err = sealed.ParseNonce(encryptNonce)
	} else {
		nonce, err = sealed.RandomNonce()
	}
	if err != nil {
		return err
	}

	ciph, err := sealed.NewCipher(kp.Private, clusterKey)
	if err != nil {
		return err
	}
	enc, err := ciph.EncryptMetrics(nonce, m)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), client.EncryptedSubmission{
		SenderKey:        kp.Public,
		Nonce:            nonce,
		EncryptedMetrics: enc,
	})
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit metrics produced by 'scorectl encrypt'",
	Args:  cobra.NoArgs,
	RunE:  runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	wallet, err := requireWallet(nil)
	if err != nil {
		return err
	}

	var r io.Reader = cmd.InOrStdin()
	if submitFile != "-" {
		fh, err := os.Open(submitFile)
		if err != nil {
			return err
		}
		defer func() { _ = fh.Close() }()
		r = fh
	}
	var req client.EncryptedSubmission
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return fmt.Errorf("parse submission: %w", err)
	}
	if req.EncryptedMetrics.IsZero() {
		return fmt.Errorf("submission has no encrypted metrics")
	}

	comp, err := newClient().SubmitEncrypted(cmd.Context(), wallet, req)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), comp)
	}
	printComputation(cmd, comp)
	return nil
}
