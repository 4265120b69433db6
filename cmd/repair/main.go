package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vitos/crypto_signal_copier/internal/domain"
	"github.com/vitos/crypto_signal_copier/internal/infrastructure/exchange"
	"github.com/vitos/crypto_signal_copier/internal/infrastructure/logger"
	"github.com/vitos/crypto_signal_copier/internal/infrastructure/storage"
	"github.com/vitos/crypto_signal_copier/internal/usecase"
)

// Config mirrors the bot config; only exchanges, users and database are used.
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
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	var (
		configPath = flag.String("config", "config/config.yaml", "path to config file")
		userID     = flag.String("user", "", "user to repair (required)")
		job        = flag.String("job", "reconcile", "repair job: reconcile, quantity or link")
	)
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: repair -user <id> [-job reconcile|quantity|link]")
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewFileLogger("repair.log", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "copier.db"
	}
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	endpoints := make(map[string]struct{ rest, ws string })
	for _, e := range cfg.Exchanges {
		endpoints[e.Name] = struct{ rest, ws string }{e.RESTEndpoint, e.WSEndpoint}
	}

	registry := exchange.NewRegistry()
	for _, u := range cfg.Users {
		if u.ID != *userID {
			continue
		}
		ep, ok := endpoints[u.Exchange]
		if !ok {
			log.Fatal("Unknown exchange for user", zap.String("exchange", u.Exchange))
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
		registry.Register(u.ID, adapter)
	}

	ctx := context.Background()
	var summary *usecase.RepairSummary

	switch *job {
	case "reconcile":
		summary, err = usecase.NewReconciler(registry, store, log).Reconcile(ctx, *userID)
	case "quantity":
		summary, err = usecase.NewReconciler(registry, store, log).RepairQuantityAndLeverage(ctx, *userID)
	case "link":
		summary, err = usecase.NewAlertLinker(store, store, log).LinkOrphans(ctx, *userID)
	default:
		fmt.Fprintf(os.Stderr, "unknown job %q\n", *job)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal("Repair job failed", zap.String("job", *job), zap.Error(err))
	}

	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
}
