// Command banksync is the operational CLI: trigger connection syncs, re-run
// matching over unmatched transactions, and inspect the store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli"

	"banksync-backend/internal/adapters/providers"
	"banksync-backend/internal/adapters/providers/gocardless"
	"banksync-backend/internal/adapters/providers/saltedge"
	"banksync-backend/internal/application/service"
	"banksync-backend/internal/domain/settlement"
	"banksync-backend/internal/infrastructure/config"
	"banksync-backend/internal/infrastructure/logging"
	"banksync-backend/internal/infrastructure/storage"
	"banksync-backend/internal/ledger"
)

func main() {
	_ = godotenv.Load()

	app := cli.NewApp()
	app.Name = "banksync"
	app.Usage = "reconcile bank transactions against pending shop orders"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to config.yaml",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "sync",
			Usage: "fetch and match transactions for bank connections",
			Flags: []cli.Flag{
				cli.Int64Flag{
					Name:  "connection",
					Usage: "sync only this connection id",
				},
			},
			Action: runSync,
		},
		{
			Name:   "rematch",
			Usage:  "re-run matching over transactions without a match",
			Action: runRematch,
		},
		{
			Name:   "stats",
			Usage:  "print transaction counts per state",
			Action: runStats,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env bundles everything a subcommand needs.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *storage.Storage
	sync   *service.SyncService
}

func setup(c *cli.Context) (*env, error) {
	path := c.GlobalString("config")
	var cfg *config.Config
	if path != "" {
		cfg = config.LoadOrEnvWithPath(path)
	} else {
		cfg = config.LoadOrEnv()
	}
	logger := logging.NewLogger(cfg.Observability.Logging)

	store, err := storage.NewStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	orders, err := ledger.NewSQLite(store.DB(), ledger.FeePolicy{})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open order ledger: %w", err)
	}

	tolerance, err := decimal.NewFromString(cfg.Matching.AmountTolerance)
	if err != nil {
		tolerance = decimal.RequireFromString("0.01")
	}

	clients := make(map[string]providers.Provider)
	if cfg.Providers.GoCardless.Enabled {
		clients["gocardless"] = gocardless.New("",
			cfg.Providers.GoCardless.SecretID, cfg.Providers.GoCardless.SecretKey)
	}
	if cfg.Providers.SaltEdge.Enabled {
		clients["saltedge"] = saltedge.New("",
			cfg.Providers.SaltEdge.AppID, cfg.Providers.SaltEdge.Secret)
	}

	engine := settlement.New(orders, tolerance, logger)
	return &env{
		cfg:    cfg,
		logger: logger,
		store:  store,
		sync:   service.NewSyncService(cfg, store, orders, engine, clients, logger),
	}, nil
}

func runSync(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = e.store.Close() }()
	ctx := context.Background()

	if id := c.Int64("connection"); id != 0 {
		result, err := e.sync.SyncConnection(ctx, id)
		if err != nil {
			return err
		}
		printSyncResult(result)
		return nil
	}

	connections, err := e.store.ListConnections(ctx)
	if err != nil {
		return err
	}
	for i := range connections {
		conn := &connections[i]
		result, err := e.sync.SyncConnection(ctx, conn.ID)
		if err != nil {
			e.logger.Warn("sync skipped", "connection_id", conn.ID, "error", err)
			continue
		}
		printSyncResult(result)
	}
	return nil
}

func printSyncResult(r *service.SyncResult) {
	fmt.Printf("connection %d: fetched %d, new %d, matched %d, review %d, no match %d\n",
		r.ConnectionID, r.Fetched, r.Ingested, r.Matched, r.PendingReview, r.NoMatch)
}

func runRematch(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = e.store.Close() }()

	result, err := e.sync.Rematch(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("considered %d, matched %d, review %d, still unmatched %d\n",
		result.Considered, result.Matched, result.PendingReview, result.StillNoMatch)
	return nil
}

func runStats(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = e.store.Close() }()

	stats, err := e.store.TransactionStats(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("total: %d\n", stats.Total)
	for state, n := range stats.ByState {
		fmt.Printf("  %-17s %d\n", state, n)
	}
	fmt.Printf("pending review: %d\n", stats.PendingReview)
	fmt.Printf("matched last 30 days: %d\n", stats.MatchedLast30d)
	return nil
}
