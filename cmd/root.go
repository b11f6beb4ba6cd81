// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsegraph/internal/config"
	"github.com/xkilldash9x/browsegraph/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

var cfgFile string

// NewRootCommand builds a fresh command tree with its own flag state.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "browsegraph",
		Short:   "Browsegraph drives a browser with a planning model to complete tasks.",
		Version: Version,
		// Usage is noise once a run has actually started.
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "browsegraph"})
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "browsegraph"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting browsegraph", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	cmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newHistoryCmd())
	return cmd
}

// Execute runs the command tree with a signal aware context.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
		}
		return err
	}
	return nil
}

// initializeConfig reads the config file and environment into v. Flags that
// were set explicitly win over both.
func initializeConfig(cmd *cobra.Command, v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("BROWSEGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return bindFlags(cmd, v)
}

// flagKeys maps command flags onto the config keys they override.
var flagKeys = map[string]string{
	"max-steps":    "agent.max_steps",
	"step-timeout": "agent.step_timeout",
	"max-failures": "agent.max_failures",
	"artifact":     "agent.artifact_path",
	"headless":     "browser.headless",
	"model":        "llm.model",
	"store":        "store.type",
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %q: %w", flag, err)
		}
	}
	if f := cmd.Flags().Lookup("artifact"); f != nil && f.Changed {
		v.Set("agent.generate_artifact", true)
	}
	return nil
}

// configFromContext returns the config stored by the root command.
func configFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}
