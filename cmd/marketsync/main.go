// Package main is the marketsync developer CLI: it runs the sync core with
// its inspection server, or performs one-shot maintenance on a local
// database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/kimhsiao/marketsync/internal/config"
	"github.com/kimhsiao/marketsync/internal/devtools"
	apperrors "github.com/kimhsiao/marketsync/internal/errors"
	"github.com/kimhsiao/marketsync/internal/logging"
	"github.com/kimhsiao/marketsync/internal/offline"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "marketsync",
		Usage:   "Offline-first marketplace sync core",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Sources: cli.EnvVars("MARKETSYNC_CONFIG"),
				Usage:   "YAML or TOML config file",
			},
			&cli.StringFlag{
				Name:  "db-path",
				Usage: "SQLite file path (overrides config; empty for in-memory)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the sync core with the devtools server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Devtools listen address (overrides config)",
					},
				},
				Action: serve,
			},
			{
				Name:  "stats",
				Usage: "Print storage, queue and network stats",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withClient(ctx, c, func(ctx context.Context, client *offline.Client) error {
						st, err := client.Stats(ctx)
						if err != nil {
							return err
						}
						return printJSON(out(c), st)
					})
				},
			},
			{
				Name:  "export",
				Usage: "Write a JSON snapshot of the local database",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "out",
						Aliases: []string{"o"},
						Usage:   "Output file (default stdout)",
					},
				},
				Action: export,
			},
			{
				Name:  "clear",
				Usage: "Delete all local data and queued mutations",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "yes",
						Usage: "Confirm the wipe",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					if !c.Bool("yes") {
						return apperrors.New(apperrors.ErrInvalid, "refusing to clear without --yes")
					}
					return withClient(ctx, c, func(ctx context.Context, client *offline.Client) error {
						if err := client.Clear(ctx); err != nil {
							return err
						}
						fmt.Fprintln(out(c), "cleared")
						return nil
					})
				},
			},
			{
				Name:  "sync",
				Usage: "Drain the sync queue once",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withClient(ctx, c, func(ctx context.Context, client *offline.Client) error {
						res, err := client.ForceSync(ctx)
						if err != nil {
							return err
						}
						return printJSON(out(c), res)
					})
				},
			},
			{
				Name:  "retry-failed",
				Usage: "Move failed queue entries back to pending",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withClient(ctx, c, func(ctx context.Context, client *offline.Client) error {
						n, err := client.RetryFailed(ctx)
						if err != nil {
							return err
						}
						fmt.Fprintf(out(c), "revived %d entries\n", n)
						return nil
					})
				},
			},
		},
	}
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(c *cli.Command) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if c.IsSet("db-path") {
		cfg.Storage.Path = c.String("db-path")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}

	logging.Configure(logging.Options{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	return cfg, nil
}

func withClient(ctx context.Context, c *cli.Command, fn func(context.Context, *offline.Client) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	client := offline.New(offline.Options{Config: cfg})
	if err := client.Init(ctx); err != nil {
		return fmt.Errorf("init client: %w", err)
	}
	defer func() {
		if err := client.Destroy(); err != nil {
			logging.Error("Failed to close client", err)
		}
	}()
	return fn(ctx, client)
}

func serve(ctx context.Context, c *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	addr := cfg.DevTools.Addr
	if c.IsSet("addr") {
		addr = c.String("addr")
	}

	client := offline.New(offline.Options{Config: cfg})
	if err := client.Init(ctx); err != nil {
		return fmt.Errorf("init client: %w", err)
	}
	defer func() {
		if err := client.Destroy(); err != nil {
			logging.Error("Failed to close client", err)
		}
	}()

	if path := c.String("config"); path != "" {
		go func() {
			err := config.Watch(ctx, path, func(next config.Config) {
				if err := client.ApplyConfig(next); err != nil {
					logging.Warn("Reloaded config not applied", map[string]interface{}{
						"error": err.Error(),
					})
				}
			})
			if err != nil {
				logging.Error("Config watcher stopped", err)
			}
		}()
	}

	logging.Info("marketsync serving", map[string]interface{}{
		"version":  Version,
		"devtools": addr,
		"degraded": client.Degraded(),
	})
	return devtools.NewServer(client).Run(ctx, addr)
}

func export(ctx context.Context, c *cli.Command) error {
	return withClient(ctx, c, func(ctx context.Context, client *offline.Client) error {
		path := c.String("out")
		if path == "" {
			return client.Export(ctx, out(c))
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		if err := client.Export(ctx, f); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	})
}

func out(c *cli.Command) io.Writer {
	if w := c.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
