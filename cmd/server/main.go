package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/vitos/signal_ladder/internal/config"
	"github.com/vitos/signal_ladder/internal/domain"
	"github.com/vitos/signal_ladder/internal/infrastructure/exchange"
	"github.com/vitos/signal_ladder/internal/infrastructure/logger"
	"github.com/vitos/signal_ladder/internal/infrastructure/metrics"
	"github.com/vitos/signal_ladder/internal/infrastructure/notify"
	"github.com/vitos/signal_ladder/internal/infrastructure/storage"
	"github.com/vitos/signal_ladder/internal/usecase"
	"github.com/vitos/signal_ladder/internal/web"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Ladder writes also go to the audit file.
	ladderLog := log
	if cfg.Logging.AuditFile != "" {
		audit, err := logger.NewFileLogger(cfg.Logging.AuditFile, "info")
		if err != nil {
			log.Error("Failed to init audit logger, using default", zap.Error(err))
		} else {
			defer audit.Sync()
			ladderLog = zap.New(zapcore.NewTee(log.Core(), audit.Core()))
		}
	}

	// 3. Init Storage
	store, err := storage.NewSQLStore(storage.Dialect(cfg.Database.Driver), cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to init storage", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	defer store.Close()

	var changes domain.ChangeFeed = store.Changes()
	if store.Dialect() == storage.DialectPostgres {
		changes = storage.NewPGChangeFeed(cfg.Database.DSN, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Init Exchange (Bybit)
	feed := exchange.NewBybitFeed(cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint,
		cfg.Exchange.Category, cfg.Exchange.MaxTickAge, log)
	go feed.Run(ctx)
	quotes := usecase.NewQuoteResolver(feed, cfg.Ladder.QuoteLockTTL)

	// 5. Init Notifier
	var notifier domain.Notifier = notify.Noop{}
	if cfg.TelegramEnabled() {
		tg, err := notify.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, log)
		if err != nil {
			log.Error("Failed to init telegram, notifications disabled", zap.Error(err))
		} else {
			notifier = tg
		}
	}

	// 6. Init Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promMetrics := metrics.NewPrometheus(registry)

	// 7. Init Service
	svc := usecase.NewLadderService(store, store, store, store, quotes, notifier, promMetrics,
		ladderLog, cfg.Ladder.ExposureCacheTTL)

	var watcher *usecase.TriggerWatcher
	if cfg.Ladder.TriggerWatch {
		watcher = usecase.NewTriggerWatcher(svc, store, log)
		if err := watcher.Reload(ctx); err != nil {
			log.Error("Failed to load trigger watch list", zap.Error(err))
		}
		if err := feed.Subscribe(watcher.Symbols()); err != nil {
			log.Error("Failed to subscribe", zap.Error(err))
		}
		feed.OnPriceUpdate(func(symbol string, price float64) {
			watcher.OnPrice(ctx, symbol, price)
		})
	}

	worker := usecase.NewRecomputeWorker(svc, store, store, changes, watcher, log,
		cfg.Ladder.RecomputeInterval, cfg.Logging.DriftDir)
	if watcher != nil {
		worker.OnChange(func(domain.Change) {
			if err := feed.Subscribe(watcher.Symbols()); err != nil {
				log.Error("Failed to subscribe", zap.Error(err))
			}
		})
	}
	if err := worker.Start(ctx); err != nil {
		log.Fatal("Failed to start recompute worker", zap.Error(err))
	}

	// Polling fallback for writes the change feed missed.
	if watcher != nil {
		go func() {
			ticker := time.NewTicker(cfg.Ladder.RecomputeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := watcher.Reload(ctx); err != nil {
						log.Error("Failed to reload trigger watch list", zap.Error(err))
						continue
					}
					if err := feed.Subscribe(watcher.Symbols()); err != nil {
						log.Error("Failed to subscribe", zap.Error(err))
					}
				}
			}
		}()
	}

	// 8. Init Web Server
	server := web.NewServer(web.Options{
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		QuoteRefresh:   cfg.Ladder.QuoteRefreshInterval,
		Service:        svc,
		Quotes:         quotes,
		Signals:        store,
		Worker:         worker,
		Gatherer:       registry,
		Logger:         log,
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// 9. Wait for Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
}
