package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/carrier-bridge/bridge"
	"github.com/wippyai/carrier-bridge/client"
	"github.com/wippyai/carrier-bridge/config"
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/native/memsdk"
	"github.com/wippyai/carrier-bridge/wasmhost"
)

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:           "carrier",
	Short:         "Carrier bridge tools",
	Long:          "Drive the carrier bridge against the in-memory SDK: run a demo session or watch its event channels.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print bridge and SDK versions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b := bridge.New(memsdk.New(), bridge.Options{})
			defer b.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "carrier %s\nsdk     %s\n", version, b.Version())
			return nil
		},
	})
	rootCmd.AddCommand(newDemoCmd())
	rootCmd.AddCommand(newMonitorCmd())
}

const version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads --config and applies --log-level, then installs the
// package loggers.
func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, nil, err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
		if err := cfg.Validate(); err != nil {
			return config.Config{}, nil, err
		}
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return config.Config{}, nil, err
	}
	bridge.SetLogger(logger.Named("bridge"))
	client.SetLogger(logger.Named("client"))
	event.SetLogger(logger.Named("event"))
	wasmhost.SetLogger(logger.Named("wasmhost"))
	return cfg, logger, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if cfg.Log.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

func bridgeOptions(cfg config.Config) bridge.Options {
	return bridge.Options{
		Backlog:            cfg.Bridge.Backlog,
		CorrelationTimeout: cfg.Bridge.CorrelationTimeout,
		IterateInterval:    cfg.Bridge.IterateInterval,
		DataDir:            cfg.DataDir,
		NodeDefaults:       cfg.Node,
	}
}
