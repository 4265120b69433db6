package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vitos/crypto_signal_copier/internal/domain"
	"github.com/vitos/crypto_signal_copier/internal/infrastructure/exchange"
	"github.com/vitos/crypto_signal_copier/internal/infrastructure/logger"
	"github.com/vitos/crypto_signal_copier/internal/infrastructure/metrics"
	"github.com/vitos/crypto_signal_copier/internal/infrastructure/storage"
	"github.com/vitos/crypto_signal_copier/internal/usecase"
	"github.com/vitos/crypto_signal_copier/internal/web"
)

type Config struct {
	Exchanges []struct {
		Name         string `yaml:"name"`
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
	} `yaml:"exchanges"`
	Users []struct {
		ID        string `yaml:"id"`
		Exchange  string `yaml:"exchange"`
		APIKey    string `yaml:"api_key"`
		APISecret string `yaml:"api_secret"`
	} `yaml:"users"`
	Reconcile struct {
		IntervalMinutes int `yaml:"interval_minutes"`
	} `yaml:"reconcile"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	// 1. Load Config (credentials come from the environment, referenced as
	// ${VAR} in the yaml)
	_ = godotenv.Load()

	configPath := "config/config.yaml"
	if v := os.Getenv("COPIER_CONFIG"); v != "" {
		configPath = v
	}
	cfg, err := loadConfig(configPath)
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

	// 3. Init Storage
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "copier.db"
	}
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	// 4. Init Exchange Adapters (one per user, each with its own credentials)
	endpoints := make(map[string]struct{ rest, ws string })
	for _, e := range cfg.Exchanges {
		endpoints[e.Name] = struct{ rest, ws string }{e.RESTEndpoint, e.WSEndpoint}
	}

	registry := exchange.NewRegistry()
	detector := usecase.NewCloseDetector(store, log)

	for _, u := range cfg.Users {
		ep, ok := endpoints[u.Exchange]
		if !ok {
			log.Fatal("Unknown exchange for user",
				zap.String("user", u.ID), zap.String("exchange", u.Exchange))
		}
		apiKey := os.ExpandEnv(u.APIKey)
		apiSecret := os.ExpandEnv(u.APISecret)

		var adapter domain.Exchange
		switch u.Exchange {
		case "bybit":
			adapter = exchange.NewBybitAdapter(apiKey, apiSecret, ep.rest, ep.ws, log)
		case "binance":
			adapter = exchange.NewBinanceAdapter(apiKey, apiSecret, ep.rest, ep.ws, log)
		default:
			log.Fatal("Unsupported exchange", zap.String("exchange", u.Exchange))
		}

		userID := u.ID
		adapter.OnPositionClose(func(ev domain.CloseEvent) {
			detector.HandleCloseEvent(context.Background(), userID, ev)
			hint := ev.CloseHint
			if hint == "" {
				hint = "unknown"
			}
			metrics.PositionsClosed.WithLabelValues(hint).Inc()
		})
		if err := adapter.ConnectPrivateStream(); err != nil {
			log.Error("Private stream connect failed, close detection degraded to reconciliation",
				zap.String("user", userID), zap.Error(err))
		}
		registry.Register(userID, adapter)
	}

	// 5. Init Services
	rules := domain.NewSymbolRules()
	adminSet := usecase.DefaultSettings()
	orchestrator := usecase.NewOrchestrator(registry, store, store, store, rules, adminSet, log)
	reconciler := usecase.NewReconciler(registry, store, log)
	linker := usecase.NewAlertLinker(store, store, log)

	// 9. Wait for Shutdown (declared early so loops can select on it)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// 6. Periodic Reconciliation Loop
	interval := time.Duration(cfg.Reconcile.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			for _, userID := range registry.UserIDs() {
				summary, err := reconciler.Reconcile(context.Background(), userID)
				if err != nil {
					metrics.ReconcileRuns.WithLabelValues("error").Inc()
					log.Error("Reconciliation failed",
						zap.String("user", userID), zap.Error(err))
					continue
				}
				metrics.ReconcileRuns.WithLabelValues("ok").Inc()
				metrics.ReconcileActions.WithLabelValues("updated").Add(float64(summary.Updated))
				metrics.ReconcileActions.WithLabelValues("created").Add(float64(summary.Created))
				metrics.ReconcileActions.WithLabelValues("deleted").Add(float64(summary.Deleted))
				log.Info("Reconciliation run complete",
					zap.String("user", userID),
					zap.Int("checked", summary.Checked),
					zap.Int("updated", summary.Updated),
					zap.Int("created", summary.Created),
					zap.Int("deleted", summary.Deleted))

				if open, err := store.CountOpenPositions(context.Background(), userID); err == nil {
					metrics.OpenPositions.WithLabelValues(userID).Set(float64(open))
				}
			}

			select {
			case <-ticker.C:
				continue
			case <-stop:
				return
			}
		}
	}()

	// 7. Init Web Server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080 // Default
	}
	server := web.NewServer(port, store, store, orchestrator, reconciler, linker, log)

	// 8. Start Server
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// 9. Wait for Shutdown
	<-stop

	log.Info("Shutting down...")
	server.Shutdown(context.Background())
}
