package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/broker"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/config"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/journal"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/monitoring"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/news"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/notify"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/risk"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/safety"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/session"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/signal/gemini"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/state"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/supervisor"
)

func main() {
	var (
		configFile = flag.String("config", "", "Configuration file (e.g., eurusd_demo.json or a name under configs/)")
		envFile    = flag.String("env", ".env", "Environment file path (default: .env)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	if *configFile == "" {
		log.Fatal("Please specify a config file with -config flag")
	}

	// Load environment variables from .env file
	if err := loadEnvFile(*envFile); err != nil {
		log.Printf("Warning: could not load %s (%v), relying on process environment", *envFile, err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *debug {
		cfg.Bot.Debug = true
	}
	if cfg.AI.APIKey == "" {
		log.Fatal("GEMINI_API_KEY is required (set in environment or .env)")
	}

	loc, err := time.LoadLocation(cfg.Bot.Timezone)
	if err != nil {
		log.Fatalf("Invalid timezone %q: %v", cfg.Bot.Timezone, err)
	}

	fmt.Println("🤖 MT5 Gemini Bot starting...")

	appLog, err := logger.New("mt5-gemini-bot", cfg.Bot.Debug)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	guards := safety.NewManager(0, 0, appLog)

	brk, err := broker.New(cfg.Broker, appLog, guards)
	if err != nil {
		log.Fatalf("Failed to build broker: %v", err)
	}

	var notifier notify.Notifier = notify.Discard{}
	queueSize := 0
	if cfg.Notifications != nil && cfg.Notifications.Enabled {
		if cfg.Notifications.TelegramToken == "" || cfg.Notifications.TelegramChat == "" {
			log.Fatal("Telegram notifications enabled but TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID is missing")
		}
		notifier = notify.NewTelegram(cfg.Notifications.TelegramToken, cfg.Notifications.TelegramChat)
		queueSize = cfg.Notifications.QueueSize
	}
	dispatcher := notify.NewDispatcher(notifier, queueSize, appLog)
	defer dispatcher.Close()

	policy, err := risk.NewPolicy(cfg.Risk)
	if err != nil {
		log.Fatalf("Invalid risk configuration: %v", err)
	}

	deps := supervisor.Deps{
		Config:   cfg,
		Log:      appLog,
		Broker:   brk,
		Signals:  gemini.New(cfg.AI, appLog, guards),
		Schedule: session.NewSchedule(cfg.Sessions, loc),
		Policy:   policy,
		Notify:   dispatcher,
	}
	if cfg.News.Enabled {
		deps.News = news.New(cfg.News, appLog, guards)
	}
	if cfg.Bot.StateFile != "" {
		deps.Store = state.NewStore(cfg.Bot.StateFile, appLog)
	}
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, appLog)
		if err != nil {
			log.Fatalf("Failed to open trade journal: %v", err)
		}
		defer j.Close()
		deps.Journal = j
	}

	var monServer *monitoring.Server
	if cfg.Monitoring.Enabled {
		health := monitoring.NewHealthChecker(2 * time.Duration(cfg.Bot.CheckIntervalSec) * time.Second)
		deps.Health = health
		monServer = monitoring.NewServer(cfg.Monitoring.ListenAddr, health, appLog)
		monServer.Start()
	}

	sup, err := supervisor.New(deps)
	if err != nil {
		log.Fatalf("Failed to build supervisor: %v", err)
	}
	if err := sup.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start supervisor: %v", err)
	}

	// SIGINT/SIGTERM drain and leave positions open under broker-side
	// stops. SIGQUIT flattens the whole book first.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	if sig := <-sigChan; sig == syscall.SIGQUIT {
		fmt.Println("\n🚨 Emergency stop requested, closing every position...")
		sup.EmergencyStop()
	} else {
		fmt.Println("\n🛑 Shutdown signal received, draining...")
		stopped := make(chan struct{})
		go func() {
			sup.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-sigChan:
			fmt.Println("🛑 Second signal, forcing exit. Positions stay protected by broker stops.")
			os.Exit(130)
		}
	}

	if monServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := monServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Monitoring server shutdown: %v", err)
		}
	}

	fmt.Println("✅ Bot stopped")
}

// loadEnvFile loads environment variables from a file
func loadEnvFile(envFile string) error {
	if _, err := os.Stat(envFile); err == nil {
		return godotenv.Load(envFile)
	}
	return fmt.Errorf("env file %s not found", envFile)
}
