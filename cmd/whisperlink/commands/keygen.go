package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/whisperlink/backend/internal/crypto"
)

type keygenOutput struct {
	Address     string `json:"address"`
	Compressed  string `json:"compressed_public_key"`
	PrivateKey  string `json:"private_key,omitempty"`
	Fingerprint string `json:"fingerprint"`
}

// keygen prints a fresh identity. Nothing is written to disk.
func keygenCmd() *cobra.Command {
	var (
		showPrivate bool
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate and print a fresh identity keypair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := crypto.GenerateIdentity()
			if err != nil {
				return err
			}

			out := keygenOutput{
				Address:     id.Address(),
				Compressed:  id.CompressedPublicKeyHex(),
				Fingerprint: id.Fingerprint(),
			}
			if showPrivate {
				out.PrivateKey = id.PrivateKeyHex()
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			fmt.Fprintln(w, "Address (uncompressed public key):")
			fmt.Fprintf(w, "  %s\n\n", out.Address)
			fmt.Fprintln(w, "Compressed public key:")
			fmt.Fprintf(w, "  %s\n\n", out.Compressed)
			fmt.Fprintln(w, "Fingerprint:")
			fmt.Fprintf(w, "  %s\n", out.Fingerprint)
			if showPrivate {
				fmt.Fprintln(w)
				fmt.Fprintln(w, "Private key:")
				fmt.Fprintf(w, "  %s\n", out.PrivateKey)
				if term.IsTerminal(int(os.Stdout.Fd())) {
					fmt.Fprintln(cmd.ErrOrStderr(), "\nWARNING: private key printed to the terminal")
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showPrivate, "show-private", false, "also print the private key")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
