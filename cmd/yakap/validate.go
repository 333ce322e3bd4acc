package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/yakap/internal/config"
	"github.com/spf13/cobra"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the yakap configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := config.UnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults())
	}

	return nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Server
	_, _ = cyan.Println("\n[server]")
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  api_port", cfg.Server.APIPort, defaultCfg.Server.APIPort, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)

	// Storage
	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)
	dumpField("    key_prefix", cfg.Storage.Redis.KeyPrefix, defaultCfg.Storage.Redis.KeyPrefix, yellow, green)

	// Feed
	_, _ = cyan.Println("\n[feed]")
	dumpField("  type", cfg.Feed.Type, defaultCfg.Feed.Type, yellow, green)
	_, _ = cyan.Println("  [feed.mqtt]")
	dumpField("    broker", cfg.Feed.MQTT.Broker, defaultCfg.Feed.MQTT.Broker, yellow, green)
	dumpField("    client_id", cfg.Feed.MQTT.ClientID, defaultCfg.Feed.MQTT.ClientID, yellow, green)
	dumpField("    unique_client_id", cfg.Feed.MQTT.UniqueClientID, defaultCfg.Feed.MQTT.UniqueClientID, yellow, green)
	dumpField("    username", cfg.Feed.MQTT.Username, defaultCfg.Feed.MQTT.Username, yellow, green)
	dumpField("    password", redactPassword(cfg.Feed.MQTT.Password), redactPassword(defaultCfg.Feed.MQTT.Password), yellow, green)
	dumpField("    topic", cfg.Feed.MQTT.Topic, defaultCfg.Feed.MQTT.Topic, yellow, green)
	dumpField("    qos", cfg.Feed.MQTT.QoS, defaultCfg.Feed.MQTT.QoS, yellow, green)
	dumpField("    connect_timeout", cfg.Feed.MQTT.ConnectTimeout, defaultCfg.Feed.MQTT.ConnectTimeout, yellow, green)
	_, _ = cyan.Println("  [feed.rest]")
	dumpField("    url", cfg.Feed.REST.URL, defaultCfg.Feed.REST.URL, yellow, green)
	dumpField("    auth_token", redactPassword(cfg.Feed.REST.AuthToken), redactPassword(defaultCfg.Feed.REST.AuthToken), yellow, green)
	dumpField("    poll_interval", cfg.Feed.REST.PollInterval, defaultCfg.Feed.REST.PollInterval, yellow, green)
	dumpField("    timeout", cfg.Feed.REST.Timeout, defaultCfg.Feed.REST.Timeout, yellow, green)

	// Monitor
	_, _ = cyan.Println("\n[monitor]")
	dumpField("  window_size", cfg.Monitor.WindowSize, defaultCfg.Monitor.WindowSize, yellow, green)
	dumpField("  check_interval", cfg.Monitor.CheckInterval, defaultCfg.Monitor.CheckInterval, yellow, green)
	dumpField("  timeout", cfg.Monitor.Timeout, defaultCfg.Monitor.Timeout, yellow, green)
	dumpField("  miss_threshold", cfg.Monitor.MissThreshold, defaultCfg.Monitor.MissThreshold, yellow, green)
	dumpField("  decay_interval", cfg.Monitor.DecayInterval, defaultCfg.Monitor.DecayInterval, yellow, green)

	// Sessions
	_, _ = cyan.Println("\n[sessions]")
	dumpField("  flush_batch_size", cfg.Sessions.FlushBatchSize, defaultCfg.Sessions.FlushBatchSize, yellow, green)
	dumpField("  flush_interval", cfg.Sessions.FlushInterval, defaultCfg.Sessions.FlushInterval, yellow, green)
	dumpField("  cache_size", cfg.Sessions.CacheSize, defaultCfg.Sessions.CacheSize, yellow, green)
	dumpField("  max_pending", cfg.Sessions.MaxPending, defaultCfg.Sessions.MaxPending, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	valueStr := fmt.Sprintf("%v", value)

	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts secrets if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
