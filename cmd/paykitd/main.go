package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/config"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/directory"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/discovery"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/executor"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/http_api"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/ledger"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/notificator"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/orchestrator"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/paykit"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/repository"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/scheduler"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/clock"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "paykitd",
		Usage: "Paykit autopay daemon: pays subscriptions and incoming payment requests within configured limits",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "postgres-user", Aliases: []string{"u"}, Usage: "Postgres user"},
			&cli.StringFlag{Name: "postgres-password", Aliases: []string{"p"}, Usage: "Postgres password"},
			&cli.StringFlag{Name: "postgres-host", Aliases: []string{"t"}, Usage: "Postgres host"},
			&cli.IntFlag{Name: "postgres-port", Aliases: []string{"P"}, Usage: "Postgres port"},
			&cli.StringFlag{Name: "postgres-db", Aliases: []string{"d"}, Usage: "Postgres database name"},
			&cli.StringFlag{Name: "identity", Aliases: []string{"i"}, Usage: "Identity public key of the local wallet"},
			&cli.StringFlag{Name: "directory-transport", Usage: "Peer directory transport (http or nostr)"},
			&cli.StringFlag{Name: "homeserver-url", Usage: "Homeserver base URL for the http transport"},
			&cli.StringFlag{Name: "nostr-relay-url", Usage: "Relay URL for the nostr transport"},
			&cli.StringFlag{Name: "executor-url", Aliases: []string{"e"}, Usage: "Payment executor base URL"},
			&cli.StringFlag{Name: "seed-file", Aliases: []string{"s"}, Usage: "YAML file with initial autopay settings, limits and rules"},
			&cli.IntFlag{Name: "api-port", Usage: "Admin API port"},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
		},
		Action: func(c *cli.Context) error {
			return run(c)
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	// Flags win over the environment, so apply them before validation.
	flagEnv := map[string]string{
		"postgres-user":       "POSTGRES_USER",
		"postgres-password":   "POSTGRES_PASSWORD",
		"postgres-host":       "POSTGRES_HOST",
		"postgres-port":       "POSTGRES_PORT",
		"postgres-db":         "POSTGRES_DB",
		"identity":            "IDENTITY_PUBKEY",
		"directory-transport": "DIRECTORY_TRANSPORT",
		"homeserver-url":      "HOMESERVER_URL",
		"nostr-relay-url":     "NOSTR_RELAY_URL",
		"executor-url":        "EXECUTOR_URL",
		"seed-file":           "AUTOPAY_SEED_FILE",
		"api-port":            "API_PORT",
		"development":         "DEVELOPMENT",
	}
	for flag, env := range flagEnv {
		if c.IsSet(flag) {
			os.Setenv(env, fmt.Sprint(c.Value(flag)))
		}
	}

	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := repository.NewPostgresDB(cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB, cfg.PostgresHost, cfg.PostgresPort, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	defer db.Close()

	if cfg.AutoPaySeedFile != "" {
		if err := db.SeedFromFile(ctx, cfg.AutoPaySeedFile); err != nil {
			return fmt.Errorf("failed to apply seed file: %v", err)
		}
	}

	clk := clock.RealClock{}

	spending := ledger.NewSpendingLedger(db, clk, log.Named("ledger"))
	if err := spending.Load(ctx); err != nil {
		return fmt.Errorf("failed to load spending ledger: %v", err)
	}

	var dir models.Directory
	switch cfg.DirectoryTransport {
	case config.TransportNostr:
		dir = directory.NewNostrDirectory(log.Named("directory"), cfg.NostrRelayURL)
	default:
		dir = directory.NewHTTPDirectory(log.Named("directory"), cfg.HomeserverURL, cfg.DiscoveryTimeout)
	}

	payments := executor.NewClient(log.Named("executor"), cfg.ExecutorURL, cfg.ExecutorMacaroon)

	notif := newNotificator(ctx, cfg, log.Named("notificator"))

	orch := orchestrator.NewOrchestrator(spending, db, payments, notif, db, db, db, clk, log.Named("orchestrator"), orchestrator.Options{
		PaymentTimeout:   cfg.PaymentTimeout,
		NodeReadyTimeout: cfg.NodeReadyTimeout,
	})
	pipeline := discovery.NewPipeline(dir, db, db, nil, orch, cfg.IdentityPubkey, clk, log.Named("discovery"), discovery.Options{
		FetchTimeout: cfg.DiscoveryTimeout,
		Concurrency:  cfg.DiscoveryConcurrency,
	})
	sched := scheduler.NewScheduler(db, orch, notif, clk, log.Named("scheduler"), cfg.UpcomingWindow)

	// Create Paykit instance
	paykitApp := paykit.NewPaykit(db, spending, sched, pipeline, notif, clk, log.Named("paykit"), paykit.Options{
		SubscriptionInterval: cfg.SubscriptionCheckInterval,
		PeerPollInterval:     cfg.PeerPollInterval,
		MaxCycleFailures:     cfg.MaxCycleFailures,
		RequestTTL:           cfg.RequestTTL,
	})

	var apiServer models.APIServer = http_api.NewHTTPServer(paykitApp, cfg.APIPort, cfg.APIToken, log.Named("api"))
	go apiServer.Start()

	// Start the application
	paykitApp.Start(ctx)

	<-ctx.Done()
	log.Info("Shutdown signal received")

	if err := apiServer.Shutdown(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Failed to shut down HTTP server", "error", err)
	}
	paykitApp.Stop()
	return nil
}

// newNotificator wires the configured channels. Telegram and e-mail are
// optional; outcomes are always logged.
func newNotificator(ctx context.Context, cfg *config.Config, log *logger.Logger) *notificator.Notificator {
	var telegram notificator.Sender
	if cfg.TelegramBotToken != "" {
		tg, err := notificator.NewTelegramNotificator(log, cfg.TelegramBotToken)
		if err != nil {
			log.Error("Failed to start telegram notifications", "error", err)
		} else {
			go tg.Start(ctx)
			telegram = tg
		}
	}

	var email notificator.Sender
	if cfg.SMTPUser != "" && cfg.NotifyEmail != "" {
		email = notificator.NewEmailNotificator(log, cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPAlternativePort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPSender)
	}

	return notificator.NewNotificator(log, telegram, cfg.TelegramChatID, email, cfg.NotifyEmail)
}
