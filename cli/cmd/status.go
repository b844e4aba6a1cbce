package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache and principal status",
	Long:  "Display store health, the number of cache entries, and the lockout and rate-limit state of the principal.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Secure Cache Status")
	fmt.Println("===================")

	if err := cache.Ping(); err != nil {
		fmt.Printf("Store: UNREACHABLE - %v\n", err)
	} else {
		fmt.Println("Store: OK")
	}
	fmt.Printf("Store Path: %s\n", storePath)

	keys, err := cache.Keys()
	if err != nil {
		fmt.Printf("Cache Entries: ERROR - %v\n", err)
	} else {
		fmt.Printf("Cache Entries: %d\n", len(keys))
		for _, key := range keys {
			fmt.Printf("  - %s\n", key)
		}
	}

	fmt.Printf("Principal: %s\n", principal)

	locked, secondsRemaining := cache.IsLocked(principal)
	if locked {
		fmt.Printf("Lockout: LOCKED (%.0f seconds remaining)\n", secondsRemaining)
	} else {
		fmt.Println("Lockout: not locked")
	}

	limited, attemptsRemaining := cache.IsRateLimited(principal)
	if limited {
		fmt.Println("Rate Limit: LIMITED (0 attempts remaining)")
	} else {
		fmt.Printf("Rate Limit: %d attempts remaining\n", attemptsRemaining)
	}

	return nil
}
