package infrastructure

import (
	"context"

	"go.uber.org/zap"

	"seerpay/internal/clients"
	"seerpay/internal/config"
	"seerpay/internal/repository"
	"seerpay/internal/scheduler"
	"seerpay/internal/service"
	"seerpay/internal/token"
	transportHTTP "seerpay/internal/transport/http"
	"seerpay/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the
// application. Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context, log *zap.Logger) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	db, err := connectPostgres(ctx, cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	rdb, err := connectRedis(ctx, cfg.RedisAddr())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() {
		db.Close()
		_ = rdb.Close()
	})

	nc, err := connectNats(cfg.NatsAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	cleanupFns = append(cleanupFns, nc.Close)
	bus := NewNatsBus(nc)

	cache := repository.NewBalanceCache(rdb, log)
	ledger := repository.NewLedgerRepo(db, cache, bus, log)
	sessions := repository.NewSessionRepo(db)

	tokens := token.NewBuilder(cfg.TokenAppID, cfg.TokenCertificate)
	rail := clients.NewPayoutRailClient(cfg.PayoutRailURL, cfg.PayoutRailTimeout, log)

	engine := service.NewEngine(ledger, sessions, tokens, bus, cfg, log)

	servers := []Server{
		scheduler.NewRunner(
			scheduler.NewBillingTick(sessions, ledger, cfg.BatchSize, cfg.GraceWindow, log),
			cfg.BillingInterval, log),
		scheduler.NewRunner(
			scheduler.NewGraceExpiry(sessions, bus, cfg.BatchSize, log),
			cfg.GraceSweep, log),
		scheduler.NewRunner(
			scheduler.NewFinalizeSweep(sessions, engine, cfg.BatchSize, log),
			cfg.FinalizeInterval, log),
		scheduler.NewRunner(
			scheduler.NewPayoutBatch(ledger, rail, cfg.PayoutMinimum, cfg.BatchSize, log),
			cfg.PayoutInterval, log),
		worker.NewFinalizer(engine, nc, log),
	}

	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		handler := transportHTTP.NewHandler(engine, ledger, log)
		servers = append(servers, transportHTTP.NewServer(addr, handler))
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in
// reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
