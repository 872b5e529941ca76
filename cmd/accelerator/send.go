package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/rickgao/accelerator/internal/accelerator"
	"github.com/rickgao/accelerator/internal/config"
	"github.com/rickgao/accelerator/internal/ledger"
)

func sendCommand(args *cliArgs) *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Relay a signed transaction",
		ArgsUsage: "<base64 | @file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "cluster",
				Usage: "Target cluster; defaults to the first watched cluster",
			},
			&cli.BoolFlag{
				Name:  "confirm",
				Usage: "Wait for the transaction to reach the configured commitment",
			},
			&cli.BoolFlag{
				Name:  "skip-verify",
				Usage: "Relay without checking signatures locally",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(args)
			if err != nil {
				return err
			}
			raw, err := readTransaction(c.Args().First())
			if err != nil {
				return err
			}
			cluster, err := targetCluster(cfg, c.String("cluster"))
			if err != nil {
				return err
			}
			return runSend(c.Context, cfg, logger, cluster, raw, c.Bool("confirm"), !c.Bool("skip-verify"))
		},
	}
}

func confirmCommand(args *cliArgs) *cli.Command {
	return &cli.Command{
		Name:      "confirm",
		Usage:     "Wait for a transaction signature to reach a commitment",
		ArgsUsage: "<signature>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "cluster",
				Usage: "Cluster to query; defaults to the first watched cluster",
			},
			&cli.StringFlag{
				Name:  "commitment",
				Usage: "Commitment level: [processed confirmed finalized]",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up after this long",
				Value: 2 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(args)
			if err != nil {
				return err
			}
			sig := c.Args().First()
			if sig == "" {
				return errors.New("confirm: signature is required")
			}
			cluster, err := targetCluster(cfg, c.String("cluster"))
			if err != nil {
				return err
			}
			commitment := ledger.Commitment(cfg.RPC.Commitment)
			if s := c.String("commitment"); s != "" {
				commitment = ledger.Commitment(s)
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			ctx, stop := signalContext(ctx, logger)
			defer stop()

			return confirm(ctx, rpcClient(cfg, cluster, logger), sig, commitment, cfg.RPC.PollInterval, logger)
		},
	}
}

func runSend(ctx context.Context, cfg *config.Config, logger *slog.Logger, cluster accelerator.Cluster, raw []byte, wait, verify bool) error {
	tx, err := ledger.Decode(raw)
	if err != nil {
		return fmt.Errorf("decode transaction: %w", err)
	}
	if verify {
		if err := tx.Verify(); err != nil {
			return err
		}
	}
	sig := tx.Signature()

	mux, err := accelerator.Connect(ctx, cfg.Accelerator.URL,
		accelerator.WithConfig(cfg.Multiplexer()),
		accelerator.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	defer mux.Close()

	if err := mux.SendTransaction(cluster, raw); err != nil {
		return fmt.Errorf("send transaction: %w", err)
	}
	logger.Info("transaction relayed",
		"signature", sig,
		"cluster", string(cluster),
		"size", len(raw),
	)

	if !wait {
		return nil
	}

	ctx, stop := signalContext(ctx, logger)
	defer stop()
	return confirm(ctx, rpcClient(cfg, cluster, logger), sig, ledger.Commitment(cfg.RPC.Commitment), cfg.RPC.PollInterval, logger)
}

func confirm(ctx context.Context, client *ledger.Client, sig string, commitment ledger.Commitment, poll time.Duration, logger *slog.Logger) error {
	status, err := client.ConfirmTransaction(ctx, sig, commitment, poll)
	if err != nil {
		return err
	}
	logger.Info("transaction confirmed",
		"signature", sig,
		"slot", status.Slot,
		"status", string(status.ConfirmationStatus),
	)

	res, err := client.GetTransaction(ctx, sig, commitment)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		return err
	}
	attrs := []any{"signature", sig, "slot", res.Slot, "fee", res.Fee}
	if res.BlockTime != nil {
		attrs = append(attrs, "block_time", res.BlockTime.Format(time.RFC3339))
	}
	logger.Info("transaction details", attrs...)
	return nil
}

// readTransaction accepts base64 text or @path to a file of raw bytes.
func readTransaction(arg string) ([]byte, error) {
	if arg == "" {
		return nil, errors.New("transaction is required")
	}
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read transaction: %w", err)
		}
		return raw, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(arg))
	if err != nil {
		return nil, fmt.Errorf("transaction is not base64: %w", err)
	}
	return raw, nil
}

// targetCluster resolves an explicit cluster name or the first watched one.
func targetCluster(cfg *config.Config, name string) (accelerator.Cluster, error) {
	if name != "" {
		return accelerator.ParseCluster(name)
	}
	if len(cfg.Watch) > 0 {
		return accelerator.Cluster(cfg.Watch[0].Cluster), nil
	}
	return accelerator.ClusterDevnet, nil
}

// rpcClient uses the configured RPC URL or the cluster's public endpoint.
func rpcClient(cfg *config.Config, cluster accelerator.Cluster, logger *slog.Logger) *ledger.Client {
	endpoint := cfg.RPC.URL
	if endpoint == "" {
		endpoint = ledger.DefaultRPCURL(cluster)
	}
	return ledger.NewClient(endpoint,
		ledger.WithTimeout(cfg.RPC.Timeout),
		ledger.WithRetries(cfg.RPC.MaxRetries, time.Second),
		ledger.WithLogger(logger),
	)
}
