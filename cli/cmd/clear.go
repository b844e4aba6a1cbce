package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clearAll bool

var clearCmd = &cobra.Command{
	Use:   "clear [key]",
	Short: "Delete cache entries",
	Long: `Delete the entry stored under the given cache key, or every entry with
--all. The salt and the lockout state are never touched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runClear,
}

func init() {
	clearCmd.Flags().BoolVar(&clearAll, "all", false, "delete every cache entry")
	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, args []string) error {
	if clearAll {
		if err := cache.ClearAll(); err != nil {
			return fmt.Errorf("clear failed: %w", err)
		}
		fmt.Println("Cleared all cache entries")
		return nil
	}

	if len(args) == 0 {
		return fmt.Errorf("a cache key is required unless --all is given")
	}

	if err := cache.Clear(args[0]); err != nil {
		return fmt.Errorf("clear failed: %w", err)
	}
	fmt.Printf("Cleared cache entry %s\n", args[0])
	return nil
}
