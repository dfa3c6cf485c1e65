package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/matheusmosca/marketplace-checkout/internal/api"
	"github.com/matheusmosca/marketplace-checkout/internal/compensation"
	"github.com/matheusmosca/marketplace-checkout/internal/config"
	"github.com/matheusmosca/marketplace-checkout/internal/lock"
	"github.com/matheusmosca/marketplace-checkout/internal/settlement"
	"github.com/matheusmosca/marketplace-checkout/internal/store/memory"
	"github.com/matheusmosca/marketplace-checkout/internal/store/postgres"
	"github.com/matheusmosca/marketplace-checkout/internal/telemetry"
)

type ports struct {
	accounts settlement.AccountStore
	products settlement.ProductCatalog
	orders   settlement.OrderStore
	tokens   settlement.TokenLedger
	close    func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log := cfg.NewLogger()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		log.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("Error shutting down telemetry", "error", err)
		}
	}()

	p, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer p.close()

	engine := settlement.NewEngine(p.accounts, p.products, p.orders, p.tokens, settlement.Options{
		MaxAttempts:  cfg.Settle.MaxAttempts,
		OrderRetries: orderRetries(cfg.Settle.OrderRetries),
		RetryBackoff: cfg.Settle.RetryBackoff,
		Locker:       newLocker(cfg, log),
		Compensator:  newCompensator(cfg, log),
		Logger:       log,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(api.Deps{
		Engine:   engine,
		Accounts: p.accounts,
		Products: p.products,
		Orders:   p.orders,
		Tokens:   p.tokens,
		Limiter:  api.NewBuyerLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		Logger:   log,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, cfg.Telemetry.ServiceName),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		log.Info("🚀 Checkout Service listening", "port", cfg.Port, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Failed to start server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Error shutting down server", "error", err)
	}
	log.Info("👋 Checkout Service stopped")
}

// orderRetries keeps an explicit 0 from the config instead of the engine default.
func orderRetries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*ports, error) {
	if cfg.Store == "postgres" {
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:      cfg.Database.DSN(),
			MaxConns: cfg.Database.MaxConns,
		}, log)
		if err != nil {
			return nil, err
		}
		store := postgres.New(pool)
		return &ports{
			accounts: store.Accounts(),
			products: store.Products(),
			orders:   store.Orders(),
			tokens:   store.Tokens(),
			close:    pool.Close,
		}, nil
	}

	log.Warn("⚠️ Using in-memory store, data is lost on restart")
	store := memory.New()
	return &ports{
		accounts: store.Accounts(),
		products: store.Products(),
		orders:   store.Orders(),
		tokens:   store.Tokens(),
		close:    func() {},
	}, nil
}

func newLocker(cfg *config.Config, log *slog.Logger) settlement.Locker {
	if cfg.Redis.Addr == "" {
		return lock.NewMutexLocker()
	}
	log.Info("🔒 Using Redis account lock", "addr", cfg.Redis.Addr)
	client := lock.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	return lock.NewRedisLocker(client, cfg.Redis.LockTTL)
}

func newCompensator(cfg *config.Config, log *slog.Logger) settlement.Compensator {
	var chain compensation.Chain
	if cfg.DTMServer != "" {
		chain = append(chain, compensation.NewDTMCompensator(cfg.DTMServer, cfg.ServiceURL, log))
	}
	if cfg.OpsWebhookURL != "" {
		chain = append(chain, compensation.NewWebhookAlerter(cfg.OpsWebhookURL))
	}
	if len(chain) == 0 {
		log.Warn("⚠️ No compensator configured, partial failures are only logged")
		return nil
	}
	return chain
}
