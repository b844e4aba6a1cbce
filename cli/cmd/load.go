package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	securecache "github.com/phoenixsystems-git/nest-sub000"
)

var loadOutput string

var loadCmd = &cobra.Command{
	Use:   "load <key>",
	Short: "Decrypt and print a cached payload",
	Long: `Load the entry stored under the given cache key, decrypt it with the key
derived from the PIN, and print the payload as JSON. A wrong PIN counts as a
failed attempt for the principal.`,
	Args: cobra.ExactArgs(1),
	RunE: runLoad,
}

func init() {
	loadCmd.Flags().StringVarP(&loadOutput, "output", "o", "", "write the payload to a file instead of stdout")
	rootCmd.AddCommand(loadCmd)
}

func runLoad(cmd *cobra.Command, args []string) error {
	if err := requirePIN(); err != nil {
		return err
	}
	key := args[0]

	payload, err := cache.Load(pin, key, principal, source)
	if err != nil {
		switch {
		case securecache.IsLockedError(err):
			return fmt.Errorf("access denied: %w", err)
		case securecache.IsRateLimitedError(err):
			return fmt.Errorf("access denied: %w", err)
		case securecache.IsNotFoundError(err):
			return fmt.Errorf("no entry under key %s", key)
		case securecache.IsExpiredError(err):
			return fmt.Errorf("entry is stale: %w", err)
		case securecache.IsInvalidTokenError(err):
			return fmt.Errorf("decryption failed: wrong PIN or corrupted entry")
		default:
			return fmt.Errorf("load failed: %w", err)
		}
	}

	var pretty bytes.Buffer
	if err = json.Indent(&pretty, payload, "", "  "); err != nil {
		pretty.Write(payload)
	}

	if loadOutput != "" {
		if err = os.WriteFile(loadOutput, pretty.Bytes(), 0600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		fmt.Printf("Wrote payload to %s\n", loadOutput)
		return nil
	}

	fmt.Println(pretty.String())
	return nil
}
