package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/whisperlink/backend/internal/crypto"
)

// derive <counterpart-public-key> <own-private-key>: print the shared key
// both sides derive.
func deriveCmd() *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "derive <counterpart-public-key> <own-private-key>",
		Short: "Derive the shared key for a keypair (debugging)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.DeriveSharedKey(args[0], args[1])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Shared key fingerprint: %s\n", key.Fingerprint())
			if reveal {
				fmt.Fprintf(w, "Shared key: %s\n", hex.EncodeToString(key[:]))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the raw shared key")
	return cmd
}
