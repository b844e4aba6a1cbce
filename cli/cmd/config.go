package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage secure cache configuration",
	Long:  `Manage secure cache configuration including viewing, setting, and validating settings.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration from all sources (config file, environment variables, flags).`,
	RunE:  runConfigView,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  `Set a configuration value in the config file. The key uses dot notation (e.g., cache.store_type).`,
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long:  `Get a configuration value. The key uses dot notation (e.g., cache.store_type).`,
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new configuration file",
	Long:  `Create a new configuration file with default values.`,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for correctness and completeness.`,
	RunE:  runConfigValidate,
}

var (
	configForce  bool
	configFormat string
)

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configViewCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json)")
	configSetCmd.Flags().BoolVar(&configForce, "force", false, "force set value even if key doesn't exist")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite existing config file")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	settings := redactedSettings()

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Print(string(data))
	default:
		return fmt.Errorf("unsupported format: %s", configFormat)
	}
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	if !configForce && !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s (use --force to override)", key)
	}

	convertedValue, err := convertStringValue(value)
	if err != nil {
		return fmt.Errorf("failed to convert value: %w", err)
	}

	viper.Set(key, convertedValue)

	configFile := getConfigFilePath()
	if err = ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to ensure config directory: %w", err)
	}

	if err = viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Set %s = %v\n", key, convertedValue)
	fmt.Printf("Configuration saved to: %s\n", configFile)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	value := viper.Get(key)
	if strings.Contains(key, "secret") || strings.Contains(key, "pin") {
		value = "[redacted]"
	}
	fmt.Printf("%s = %v\n", key, value)

	if configFile := viper.ConfigFileUsed(); configFile != "" {
		fmt.Printf("Source: %s\n", configFile)
	} else {
		fmt.Println("Source: defaults/environment/flags")
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := getConfigFilePath()

	if _, err := os.Stat(configFile); err == nil && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configFile)
	}

	config := map[string]interface{}{
		"cache": map[string]interface{}{
			"path":                ".securecache",
			"store_type":          "filesystem",
			"principal":           "default",
			"max_attempts":        5,
			"lockout_duration":    "15m",
			"rate_limit_attempts": 3,
			"rate_limit_window":   "60s",
			"ttl":                 "24h",
			"kdf":                 "argon2id",
		},
		"audit": map[string]interface{}{
			"enabled": false,
			"type":    "file",
		},
	}

	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err = os.WriteFile(configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Configuration file created: %s\n", configFile)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	var problems []string

	switch viper.GetString("cache.store_type") {
	case "filesystem":
		if viper.GetString("cache.path") == "" {
			problems = append(problems, "cache.path is required for the filesystem store")
		}
	case "s3":
		if viper.GetString("cache.s3.bucket") == "" {
			problems = append(problems, "cache.s3.bucket is required for the s3 store")
		}
		if viper.GetString("cache.s3.endpoint") == "" {
			problems = append(problems, "cache.s3.endpoint is required for the s3 store")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported store type: %s", viper.GetString("cache.store_type")))
	}

	switch viper.GetString("cache.kdf") {
	case "argon2id", "pbkdf2":
	default:
		problems = append(problems, fmt.Sprintf("unknown KDF: %s", viper.GetString("cache.kdf")))
	}

	if viper.GetInt("cache.max_attempts") <= 0 {
		problems = append(problems, "cache.max_attempts must be positive")
	}

	if viper.GetBool("audit.enabled") {
		switch viper.GetString("audit.type") {
		case "file":
			if viper.GetString("audit.options.file_path") == "" {
				problems = append(problems, "audit.options.file_path is required for the file audit logger")
			}
		case "syslog":
		default:
			problems = append(problems, fmt.Sprintf("unknown audit type: %s", viper.GetString("audit.type")))
		}
	}

	if len(problems) == 0 {
		fmt.Println("Configuration is valid")
		return nil
	}

	fmt.Println("Configuration validation failed:")
	for _, problem := range problems {
		fmt.Printf("  - %s\n", problem)
	}
	return fmt.Errorf("configuration validation failed with %d errors", len(problems))
}

// redactedSettings returns all settings with credential-like values masked.
func redactedSettings() map[string]interface{} {
	settings := viper.AllSettings()
	redactInPlace(settings)
	return settings
}

func redactInPlace(m map[string]interface{}) {
	for key, value := range m {
		if nested, ok := value.(map[string]interface{}); ok {
			redactInPlace(nested)
			continue
		}
		lower := strings.ToLower(key)
		if strings.Contains(lower, "secret") || strings.Contains(lower, "pin") || strings.Contains(lower, "access_key") {
			if s, ok := value.(string); ok && s != "" {
				m[key] = "[redacted]"
			}
		}
	}
}

func convertStringValue(value string) (interface{}, error) {
	if b, err := strconv.ParseBool(value); err == nil {
		return b, nil
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i, nil
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f, nil
	}
	return value, nil
}
