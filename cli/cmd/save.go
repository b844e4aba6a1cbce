package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var saveFile string

var saveCmd = &cobra.Command{
	Use:   "save <key>",
	Short: "Encrypt and store a payload under a cache key",
	Long: `Encrypt a JSON payload with a key derived from the PIN and store it under
the given cache key. The payload is read from --file, or from stdin when no
file is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runSave,
}

func init() {
	saveCmd.Flags().StringVarP(&saveFile, "file", "f", "", "file containing the JSON payload (defaults to stdin)")
	rootCmd.AddCommand(saveCmd)
}

func runSave(cmd *cobra.Command, args []string) error {
	if err := requirePIN(); err != nil {
		return err
	}
	key := args[0]

	var (
		raw []byte
		err error
	)
	if saveFile != "" {
		raw, err = os.ReadFile(saveFile)
		if err != nil {
			return fmt.Errorf("failed to read payload file: %w", err)
		}
	} else {
		raw, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read payload from stdin: %w", err)
		}
	}

	var payload interface{}
	if err = json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}

	if err = cache.Save(pin, key, payload, principal, source); err != nil {
		return fmt.Errorf("save failed: %w", err)
	}

	fmt.Printf("Saved encrypted entry %s\n", key)
	return nil
}
