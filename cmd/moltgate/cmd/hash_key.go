package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/approval"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [decider-token]",
	Short: "Generate an argon2id hash for a decider token",
	Long: `Generate an argon2id hash of a decider token for use in config.

The output is the argon2id encoded hash string, which goes directly in
the approval.decider_hash field. Whoever presents the matching plaintext
token in an approval_response message is accepted as the decider.

Example:
  moltgate hash-key "my-decider-token"

Security note: the token will appear in shell history. Consider clearing
history after use, or pass it via an environment variable:
  moltgate hash-key "$DECIDER_TOKEN"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := approval.HashDeciderToken(args[0])
		if err != nil {
			return fmt.Errorf("hash decider token: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
