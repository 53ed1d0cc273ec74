package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tickgrid/bet-engine/internal/config"
	"github.com/tickgrid/bet-engine/internal/feed"
	"github.com/tickgrid/bet-engine/internal/metrics"
	"github.com/tickgrid/bet-engine/internal/model"
	"github.com/tickgrid/bet-engine/internal/position"
	"github.com/tickgrid/bet-engine/internal/pricecache"
	"github.com/tickgrid/bet-engine/internal/settle"
	"github.com/tickgrid/bet-engine/internal/store"
	"github.com/tickgrid/bet-engine/internal/submit"
	"github.com/tickgrid/bet-engine/internal/trade"
)

// feedHandler routes feed events into the manager and reconciler, and
// mirrors them to connected UI clients.
type feedHandler struct {
	manager    *position.Manager
	reconciler *settle.Reconciler
	cache      *pricecache.Cache
	hub        *feed.Hub
}

func (h *feedHandler) HandleBet(b model.Bet) {
	h.manager.ApplyBet(b)
	if e, ok := h.cache.Get(b.GridID, b.Slot, time.Now()); ok {
		h.hub.Broadcast(feed.HubMessage{
			Type:       feed.HubTypePrice,
			GridID:     b.GridID,
			Slot:       b.Slot,
			Multiplier: model.FixedDecimal(e.Multiplier).String(),
		})
	}
}

func (h *feedHandler) HandleSettlement(s model.Settlement) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.reconciler.Apply(ctx, s)

	if outcomes, ok := h.reconciler.Outcomes(s.Slot); ok {
		for _, o := range outcomes {
			won := o.Won
			h.hub.Broadcast(feed.HubMessage{
				Type:   feed.HubTypeOutcome,
				GridID: o.GridID,
				Slot:   s.Slot,
				Won:    &won,
			})
		}
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", "", "path to YAML config (empty = development defaults)")
	flag.Parse()

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("config load failed", "err", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		slog.Warn("no config file, using development defaults (loopback backend, in-memory stores)")
		cfg = config.Default()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Ledger ---
	var ledger store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			slog.Error("invalid database url", "err", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = cfg.Database.MaxConns
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		ledger = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database.url not set, using in-memory ledger (data will not persist)")
		ledger = store.NewMemoryStore()
	}

	// --- Position snapshots ---
	var snapshots store.PositionStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanup = append(cleanup, func() { rdb.Close() })
		snapshots = store.NewRedisPositionStore(rdb, cfg.Engine.PositionHorizon)
		slog.Info("Redis position snapshots enabled")
	} else {
		slog.Warn("redis.addr not set, position snapshots are in-memory only")
		snapshots = store.NewMemoryPositionStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price cache ---
	cache := pricecache.New(cfg.Engine.PriceTTL)
	go cache.Sweep(ctx, cfg.Engine.CacheSweepEvery)
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.CacheEntries.Set(float64(cache.Len()))
			}
		}
	}()

	// --- Order submission ---
	var submitter position.Submitter
	if cfg.Backend.Loopback {
		submitter = submit.Loopback{}
	} else {
		submitter = submit.NewHTTPSubmitter(cfg.Backend.OrderURL, cfg.Backend.APIKey, nil)
	}

	// --- WebSocket hub ---
	hub := feed.NewHub()
	go hub.Run()

	// --- Lifecycle manager ---
	manager := position.NewManager(position.Config{
		UserID:       cfg.Engine.UserID,
		RefreshDelay: cfg.Engine.RefreshDelay,
		PersistEvery: cfg.Engine.PersistEvery,
		Horizon:      cfg.Engine.PositionHorizon,
		OnReject: func(positionID, reason string) {
			hub.Broadcast(feed.HubMessage{
				Type:       feed.HubTypePosition,
				PositionID: positionID,
				Status:     string(model.StatusDiscarded),
			})
			slog.Warn("placement rejected", "position_id", positionID, "reason", reason)
		},
	}, ledger, snapshots, cache, submitter)
	defer manager.Close()

	if err := manager.Restore(ctx); err != nil {
		slog.Error("position restore failed", "err", err)
		os.Exit(1)
	}
	go manager.Run(ctx)

	// --- Settlement reconciler ---
	reconciler := settle.New(ledger, manager, cfg.Engine.OutcomeRetention, nil)
	go reconciler.Sweep(ctx, cfg.Engine.OutcomeRetention)

	// --- Backend feed ---
	if cfg.Backend.FeedURL != "" {
		feedClient := feed.NewClient(feed.ClientConfig{
			URL:    cfg.Backend.FeedURL,
			APIKey: cfg.Backend.APIKey,
		}, &feedHandler{manager: manager, reconciler: reconciler, cache: cache, hub: hub}, logger)
		defer feedClient.Close()
		go feedClient.Run(ctx)
	} else {
		slog.Warn("backend.feed_url not set, settlements arrive via POST /api/v1/settlements only")
	}

	// --- Trade service ---
	tradeSvc := trade.NewService(ledger, manager, reconciler, cache, hub, nil)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"bet-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price and outcome updates.
		r.Get("/ws", hub.HandleWS)
		tradeSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("bet-engine listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down bet-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("bet-engine stopped")
}
