package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	securecache "github.com/phoenixsystems-git/nest-sub000"
	"github.com/phoenixsystems-git/nest-sub000/audit"
	"github.com/phoenixsystems-git/nest-sub000/persist"
)

var (
	cfgFile     string
	storePath   string
	pin         string
	principal   string
	source      string
	cache       *securecache.SecureCache
	cliContext  *CLIContext
	auditLogger audit.Logger
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname/IP
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "securecache",
	Short: "A PIN-protected encrypted cache for sensitive records",
	Long: `A PIN-protected encrypted cache for sensitive customer and device records.
Payloads are encrypted with keys derived from short numeric PINs using Argon2id,
and repeated PIN guessing is throttled and locked out fail2ban-style.`,
	PersistentPreRunE: initializeCache,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		auditCmdComplete(cmd)
		if auditLogger != nil {
			auditLogger.Close()
			auditLogger = nil
		}
		if cache != nil {
			return cache.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags - consistent with config file structure
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.securecache.yaml)")
	rootCmd.PersistentFlags().StringVarP(&storePath, "store-path", "p", "", "path to cache storage")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (filesystem, s3)")
	rootCmd.PersistentFlags().StringVar(&pin, "pin", "", "PIN for encryption (or use SECURECACHE_PIN env var)")
	rootCmd.PersistentFlags().StringVarP(&principal, "principal", "u", "", "principal attempting access")
	rootCmd.PersistentFlags().StringVar(&source, "source", "", "source of the access attempt (IP or hostname)")

	// Bind flags to viper
	bindFlagOrPanic("cache.path", "store-path")
	bindFlagOrPanic("cache.store_type", "store-type")
	bindFlagOrPanic("cache.principal", "principal")
	bindFlagOrPanic("cache.source", "source")

	// Security tuning flags
	rootCmd.PersistentFlags().Int("max-attempts", 0, "failed attempts before lockout")
	rootCmd.PersistentFlags().Duration("lockout-duration", 0, "lockout duration")
	rootCmd.PersistentFlags().Duration("cache-ttl", 0, "cache entry time to live")
	rootCmd.PersistentFlags().String("kdf", "", "key derivation function (argon2id, pbkdf2)")

	bindFlagOrPanic("cache.max_attempts", "max-attempts")
	bindFlagOrPanic("cache.lockout_duration", "lockout-duration")
	bindFlagOrPanic("cache.ttl", "cache-ttl")
	bindFlagOrPanic("cache.kdf", "kdf")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("cache.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("cache.s3.region", "s3-region")
	bindFlagOrPanic("cache.s3.bucket", "s3-bucket")
	bindFlagOrPanic("cache.s3.prefix", "s3-prefix")
	bindFlagOrPanic("cache.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("cache.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("cache.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/securecache")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".securecache")
	}

	viper.SetEnvPrefix("SECURECACHE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - defaults and env vars apply
	}
}

func setDefaults() {
	viper.SetDefault("cache.path", ".securecache")
	viper.SetDefault("cache.store_type", "filesystem")
	viper.SetDefault("cache.principal", "default")
	viper.SetDefault("cache.max_attempts", 5)
	viper.SetDefault("cache.lockout_duration", "15m")
	viper.SetDefault("cache.rate_limit_attempts", 3)
	viper.SetDefault("cache.rate_limit_window", "60s")
	viper.SetDefault("cache.ttl", "24h")
	viper.SetDefault("cache.kdf", "argon2id")

	viper.SetDefault("cache.s3.region", "us-east-1")
	viper.SetDefault("cache.s3.prefix", "securecache/")
	viper.SetDefault("cache.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.log_level", "info")
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func initializeCache(cmd *cobra.Command, args []string) error {
	// Commands that never touch the store
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" || isConfigCommand(cmd) {
		return nil
	}

	storePath = viper.GetString("cache.path")
	principal = viper.GetString("cache.principal")
	source = viper.GetString("cache.source")
	if source == "" {
		source = getHostname()
	}

	// --pin flag wins, then the environment
	if pin == "" {
		pin = os.Getenv("SECURECACHE_PIN")
	}

	// Audit log lives inside the store path unless pointed elsewhere
	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(storePath, "audit.log"))
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    source,
		StartTime: time.Now(),
	}

	opts, err := buildOptions()
	if err != nil {
		return err
	}

	cache, err = securecache.New(opts)
	if err != nil {
		return fmt.Errorf("failed to initialize secure cache: %w", err)
	}

	auditLogger, err = audit.NewLogger(opts.Audit)
	if err != nil {
		return fmt.Errorf("failed to initialize audit logger: %w", err)
	}
	auditCmdStart(cmd, args)
	return nil
}

func auditCmdStart(cmd *cobra.Command, args []string) {
	err := auditLogger.Log("command_start", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       sanitizeArgs(args),
		"flags":      sanitizeFlags(cmd),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: audit log failed: %v\n", err)
	}
}

func auditCmdComplete(cmd *cobra.Command) {
	if auditLogger == nil || cliContext == nil {
		return
	}
	err := auditLogger.Log("command_complete", true, map[string]interface{}{
		"command":     cmd.CommandPath(),
		"session_id":  cliContext.SessionID,
		"duration_ms": time.Since(cliContext.StartTime).Milliseconds(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: audit log failed: %v\n", err)
	}
}

// sanitizeFlags collects the flags that were actually set, masking
// anything that could carry a secret.
func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

func isSensitiveFlag(name string) bool {
	switch name {
	case "pin", "s3-access-key", "s3-secret-key":
		return true
	}
	return false
}

func sanitizeArgs(args []string) []string {
	sanitized := make([]string, len(args))
	for i, arg := range args {
		if strings.HasPrefix(arg, "--pin") {
			sanitized[i] = "[REDACTED]"
		} else {
			sanitized[i] = arg
		}
	}
	return sanitized
}

func buildOptions() (securecache.Options, error) {
	opts := securecache.DefaultOptions(viper.GetString("cache.path"))

	if v := viper.GetInt("cache.max_attempts"); v > 0 {
		opts.MaxAttempts = v
	}
	if v := viper.GetDuration("cache.lockout_duration"); v > 0 {
		opts.LockoutDuration = v
	}
	if v := viper.GetInt("cache.rate_limit_attempts"); v > 0 {
		opts.RateLimitAttempts = v
	}
	if v := viper.GetDuration("cache.rate_limit_window"); v > 0 {
		opts.RateLimitWindow = v
	}
	if v := viper.GetDuration("cache.ttl"); v > 0 {
		opts.CacheTTL = v
	}
	if v := viper.GetString("cache.kdf"); v != "" {
		opts.KDF = securecache.KDFName(v)
	}

	opts.Audit = &audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	}

	switch viper.GetString("cache.store_type") {
	case "filesystem", "":
		opts.Store = persist.FileSystemConfig(viper.GetString("cache.path"))
	case "s3":
		opts.Store = persist.StoreConfig{
			Type: persist.StoreTypeS3,
			Config: map[string]interface{}{
				"endpoint":          viper.GetString("cache.s3.endpoint"),
				"region":            viper.GetString("cache.s3.region"),
				"bucket":            viper.GetString("cache.s3.bucket"),
				"key_prefix":        viper.GetString("cache.s3.prefix"),
				"access_key_id":     viper.GetString("cache.s3.access_key_id"),
				"secret_access_key": viper.GetString("cache.s3.secret_access_key"),
				"use_ssl":           viper.GetBool("cache.s3.use_ssl"),
			},
		}
	default:
		return opts, fmt.Errorf("unsupported store type: %s", viper.GetString("cache.store_type"))
	}

	return opts, nil
}

func isConfigCommand(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "config" {
			return true
		}
	}
	return false
}

// requirePIN fails fast for commands that cannot run without a PIN.
func requirePIN() error {
	if pin == "" {
		return fmt.Errorf("a PIN is required. Use --pin or the SECURECACHE_PIN environment variable")
	}
	return nil
}
