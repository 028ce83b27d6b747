// Package main implements walletd, a wallet-connect server that answers
// payment requests from paired applications over Nostr relays and settles
// them on an external ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/mesmerverse/nwc-wallet/walletd/ledger"
	"github.com/mesmerverse/nwc-wallet/walletd/storage"
)

// Version is set at build time
var Version = "dev"

func main() {
	app := &cli.App{
		Name:    "walletd",
		Usage:   "Nostr Wallet Connect server",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "/etc/walletd/walletd.yaml",
				Usage:   "Path to configuration file",
				EnvVars: []string{"WALLETD_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Data directory (overrides config)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (overrides config)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the wallet-connect server",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "relay",
						Usage: "Baseline relay (repeatable, overrides config)",
					},
					&cli.IntFlag{
						Name:  "health-port",
						Usage: "Health server port (overrides config)",
					},
				},
			},
			{
				Name:   "pair",
				Usage:  "Create a new connection and print its pairing URL",
				Action: pairCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "relay", Usage: "Relay to embed in the URL"},
					&cli.StringFlag{Name: "name", Usage: "Display name for the connection"},
				},
			},
			{
				Name:  "connections",
				Usage: "Manage paired connections",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List connections",
						Action: listConnectionsCommand,
					},
					{
						Name:      "remove",
						Usage:     "Remove a connection by id or counterparty key",
						ArgsUsage: "<id-or-key>",
						Action:    removeConnectionCommand,
					},
					{
						Name:      "url",
						Usage:     "Print the pairing URL of a connection that has not been used yet",
						ArgsUsage: "<id>",
						Action:    connectionURLCommand,
					},
					{
						Name:      "rename",
						Usage:     "Rename a connection",
						ArgsUsage: "<id> <name>",
						Action:    renameConnectionCommand,
					},
				},
			},
			{
				Name:   "control-keygen",
				Usage:  "Generate the Ed25519 key pair that signs control commands",
				Action: controlKeygenCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Usage: "Private key file to create", Required: true},
				},
			},
			{
				Name:   "restore",
				Usage:  "Restore the store from an S3 backup",
				Action: restoreCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Usage: "Object key (defaults to the latest backup)"},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("walletd failed")
	}
}

// loadConfig applies global flag overrides and configures logging.
func loadConfig(c *cli.Context) (*Config, error) {
	cfg, err := LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if v := c.String("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	setupLogging(cfg.Log)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if !cfg.JSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// openStore locks the data directory and opens the database.
func openStore(cfg *Config) (*storage.SQLiteStorage, *InstanceLock, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	lock, err := AcquireInstanceLock(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.NewSQLiteStorage(filepath.Join(cfg.DataDir, "walletd.db"))
	if err != nil {
		lock.Release()
		return nil, nil, err
	}
	return store, lock, nil
}

func openLedger(ctx context.Context, cfg LedgerConfig) (ledger.Ledger, error) {
	switch cfg.Driver {
	case "evm":
		key, err := resolveLedgerKey(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return ledger.DialEVM(ctx, cfg.RPCURL, key, cfg.Network)
	default:
		log.Warn().Uint64("balance", cfg.DevBalance).Msg("Using in-process dev ledger")
		return ledger.NewDevLedger(cfg.DevBalance), nil
	}
}

func serveCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if relays := c.StringSlice("relay"); len(relays) > 0 {
		cfg.Server.Relays = relays
	}
	if port := c.Int("health-port"); port > 0 {
		cfg.Health.Port = port
	}

	log.Info().
		Str("version", Version).
		Str("config", c.String("config")).
		Str("data_dir", cfg.DataDir).
		Msg("walletd starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	store, lock, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer lock.Release()
	defer store.Close()

	key, err := LoadOrCreateIdentity(store)
	if err != nil {
		return err
	}

	l, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}

	metrics := NewMetrics()

	var bus *ControlBus
	var notifier PaymentNotifier
	if cfg.NATS.Enabled {
		bus, err = NewControlBus(cfg.NATS)
		if err != nil {
			return err
		}
		defer bus.Close()
		notifier = bus
	}

	server, err := NewServer(ServerOptions{
		Config:   cfg.Server,
		Key:      key,
		Store:    store,
		Events:   store,
		Invoices: store,
		Ledger:   l,
		Notifier: notifier,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	if cfg.Health.Enabled {
		var natsUp func() bool
		if bus != nil {
			natsUp = bus.IsConnected
		}
		health := NewHealthServer(cfg.Health.Port, server, natsUp, metrics)
		go health.Start()
		defer health.Stop()
	}

	if err := server.Start(ctx); err != nil {
		return err
	}
	if bus != nil {
		if err := bus.Serve(server); err != nil {
			return err
		}
	}

	var backup *BackupSync
	if cfg.Backup.Enabled {
		backup, err = NewBackupSync(ctx, cfg.Backup, store)
		if err != nil {
			return err
		}
		go backup.Run(ctx)
	}

	<-ctx.Done()
	log.Info().Msg("walletd shutting down")

	if err := server.Stop(); err != nil {
		log.Warn().Err(err).Msg("Errors while closing relays")
	}
	if backup != nil {
		bctx, bcancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := backup.Backup(bctx); err != nil {
			log.Error().Err(err).Msg("Final backup failed")
		}
		bcancel()
	}

	log.Info().Msg("walletd shutdown complete")
	return nil
}

func pairCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if cfg.NATS.Enabled {
		reply, err := SendControl(cfg.NATS, "pair", ControlRequest{
			Relay: c.String("relay"),
			Name:  c.String("name"),
		})
		if err != nil {
			return err
		}
		fmt.Println(reply.PairingURL)
		return nil
	}

	store, lock, err := openStore(cfg)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			return fmt.Errorf("%w: enable nats to pair with a running server", err)
		}
		return err
	}
	defer lock.Release()
	defer store.Close()

	key, err := LoadOrCreateIdentity(store)
	if err != nil {
		return err
	}
	server, err := NewServer(ServerOptions{Config: cfg.Server, Key: key, Store: store, Events: store, Invoices: store})
	if err != nil {
		return err
	}
	url, _, err := server.CreatePairing(c.Context, c.String("relay"), c.String("name"))
	if err != nil {
		return err
	}
	fmt.Println(url)
	return nil
}

func listConnectionsCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	var conns []ControlConnection
	if cfg.NATS.Enabled {
		reply, err := SendControl(cfg.NATS, "list", ControlRequest{})
		if err != nil {
			return err
		}
		conns = reply.Connections
	} else {
		store, lock, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer lock.Release()
		defer store.Close()

		stored, err := store.ListConnections()
		if err != nil {
			return err
		}
		conns = controlConnections(stored)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tRELAY\tLAST USED\tPERMISSIONS")
	for _, conn := range conns {
		lastUsed := "never"
		if conn.LastUsed != nil {
			lastUsed = conn.LastUsed.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", conn.ID, conn.Name, conn.Relay, lastUsed, conn.Permissions)
	}
	return w.Flush()
}

func removeConnectionCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowSubcommandHelp(c)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if cfg.NATS.Enabled {
		_, err := SendControl(cfg.NATS, "remove", ControlRequest{Connection: c.Args().First()})
		return err
	}

	store, lock, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer lock.Release()
	defer store.Close()
	return store.RemoveConnection(c.Args().First())
}

func connectionURLCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowSubcommandHelp(c)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if cfg.NATS.Enabled {
		reply, err := SendControl(cfg.NATS, "url", ControlRequest{Connection: c.Args().First()})
		if err != nil {
			return err
		}
		fmt.Println(reply.PairingURL)
		return nil
	}

	store, lock, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer lock.Release()
	defer store.Close()

	key, err := LoadOrCreateIdentity(store)
	if err != nil {
		return err
	}
	server, err := NewServer(ServerOptions{Config: cfg.Server, Key: key, Store: store, Events: store, Invoices: store})
	if err != nil {
		return err
	}
	url, err := server.ConnectionURL(c.Args().First())
	if err != nil {
		return err
	}
	fmt.Println(url)
	return nil
}

func renameConnectionCommand(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.ShowSubcommandHelp(c)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if cfg.NATS.Enabled {
		_, err := SendControl(cfg.NATS, "rename", ControlRequest{
			Connection: c.Args().Get(0),
			Name:       c.Args().Get(1),
		})
		return err
	}

	store, lock, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer lock.Release()
	defer store.Close()
	return store.RenameConnection(c.Args().Get(0), c.Args().Get(1))
}

func controlKeygenCommand(c *cli.Context) error {
	pub, err := GenerateControlKey(c.String("out"))
	if err != nil {
		return err
	}
	fmt.Printf("control_public_key: %s\n", pub)
	return nil
}

func restoreCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Backup.Bucket == "" || cfg.Backup.KMSKeyID == "" {
		return fmt.Errorf("backup.bucket and backup.kms_key_id must be configured")
	}

	store, lock, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer lock.Release()
	defer store.Close()

	backup, err := NewBackupSync(c.Context, cfg.Backup, store)
	if err != nil {
		return err
	}
	return backup.Restore(c.Context, c.String("key"))
}
