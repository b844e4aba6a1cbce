package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock <principal>",
	Short: "Manually unlock a locked-out principal",
	Long: `Clear an active lockout and the failure history behind it for the given
principal. This is the administrative override; it does not grant extra
rate-limit attempts.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnlock,
}

func init() {
	rootCmd.AddCommand(unlockCmd)
}

func runUnlock(cmd *cobra.Command, args []string) error {
	target := args[0]

	if cache.Unlock(target) {
		fmt.Printf("Unlocked principal %s\n", target)
	} else {
		fmt.Printf("Principal %s was not locked\n", target)
	}
	return nil
}
