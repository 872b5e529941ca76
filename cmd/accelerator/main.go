// accelerator watches ledger accounts through an Accelerator relay, relays
// signed transactions, and confirms them over RPC.
//
// Usage:
//
//	accelerator --config configs/accelerator.example.yaml watch
//	accelerator --config configs/accelerator.example.yaml send --cluster devnet @tx.bin
//	accelerator --config configs/accelerator.example.yaml confirm <signature>
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/rickgao/accelerator/internal/config"
	"github.com/rickgao/accelerator/internal/version"
)

type cliArgs struct {
	ConfigFile string
	LogLevel   string
	JSONLog    bool
}

func main() {
	var args cliArgs

	app := &cli.App{
		Name:    "accelerator",
		Version: version.String(),
		Usage:   "Accelerator relay client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to config file",
				Aliases:     []string{"c"},
				EnvVars:     []string{"ACCELERATOR_CONFIG"},
				Value:       "configs/accelerator.example.yaml",
				Destination: &args.ConfigFile,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Override log level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Destination: &args.LogLevel,
			},
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Destination: &args.JSONLog,
			},
		},
		Commands: []*cli.Command{
			watchCommand(&args),
			sendCommand(&args),
			confirmCommand(&args),
			{
				Name:  "version",
				Usage: "Print build information",
				Action: func(c *cli.Context) error {
					fmt.Fprintln(c.App.Writer, version.String())
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("accelerator failed", "error", err)
		os.Exit(1)
	}
}

// setup loads the config and installs the default logger.
func setup(args *cliArgs) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadAndValidate(args.ConfigFile)
	if err != nil {
		return nil, nil, err
	}

	if args.LogLevel != "" {
		cfg.Log.Level = args.LogLevel
	}
	if args.JSONLog {
		cfg.Log.Format = "json"
	}
	logger := cfg.Log.Logger(os.Stderr)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"version", version.Version,
		"commit", version.Commit,
		"config", args.ConfigFile,
		"relay", cfg.Accelerator.URL,
	)
	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
