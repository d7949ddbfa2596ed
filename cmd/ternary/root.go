package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/config"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/logging"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ternary",
	Short: "Ternary semantic conservation engine",
	Long: `ternary drives an admitted / excluded / undecided processor triple under
a conservation-enforcing mixer, records runs to SQLite and exports metrics.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (env TERNARY_LOG_LEVEL)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json (env TERNARY_LOG_FORMAT)")
}

// #region helpers
// loadRunConfig resolves a run configuration in order: defaults, --config
// file, TERNARY_* environment, then explicit flags.
func loadRunConfig(cmd *cobra.Command) (config.RunConfig, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.RunConfig{}, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	flags := cmd.Flags()
	if flags.Changed("steps") {
		cfg.Schedule.Steps, _ = flags.GetInt("steps")
	}
	if flags.Changed("db") {
		cfg.Output.DB, _ = flags.GetString("db")
	}
	if flags.Changed("metrics-file") {
		cfg.Output.MetricsFile, _ = flags.GetString("metrics-file")
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Output.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Output.LogFormat = v
	}

	if err := cfg.Validate(); err != nil {
		return config.RunConfig{}, err
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, out config.OutputConfig) (*slog.Logger, error) {
	level, err := logging.ParseLevel(out.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(out.LogFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{Level: level, Format: format, Writer: cmd.ErrOrStderr()}), nil
}

func loggerFromFlags(cmd *cobra.Command) (*slog.Logger, error) {
	out := config.Default().Output
	out.LogLevel, _ = cmd.Flags().GetString("log-level")
	out.LogFormat, _ = cmd.Flags().GetString("log-format")
	logger, err := newLogger(cmd, out)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return logger, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
