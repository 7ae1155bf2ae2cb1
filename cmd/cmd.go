package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	paho_mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jackc/pgx/v5"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anicoll/envoy-integration/internal/pkg/config"
	"github.com/anicoll/envoy-integration/internal/pkg/database"
	"github.com/anicoll/envoy-integration/internal/pkg/database/migration"
	"github.com/anicoll/envoy-integration/internal/pkg/envoy"
	"github.com/anicoll/envoy-integration/internal/pkg/handler"
	"github.com/anicoll/envoy-integration/internal/pkg/mqtt"
	"github.com/anicoll/envoy-integration/internal/pkg/publisher"
	"github.com/anicoll/envoy-integration/internal/pkg/tokenstore"
)

func EnvoyCommand(ctx *cli.Context) error {
	cfg := &config.Config{
		EnvoyCfg: &config.EnvoyConfig{
			Host:           ctx.String("envoy-host"),
			Serial:         ctx.String("envoy-serial"),
			Username:       ctx.String("envoy-username"),
			Password:       ctx.String("envoy-password"),
			EnlightenUser:  ctx.String("enlighten-username"),
			EnlightenPass:  ctx.String("enlighten-password"),
			UseOwnerToken:  ctx.Bool("use-owner-token"),
			PollInterval:   ctx.Duration("poll-interval"),
			RequestTimeout: ctx.Duration("request-timeout"),
			RetryCount:     ctx.Int("retry-count"),
			RetryDelay:     ctx.Duration("retry-delay"),
			CycleDeadline:  ctx.Duration("cycle-deadline"),
			TokenCachePath: ctx.String("token-cache"),
		},
		MqttCfg: &config.MqttConfig{
			Host:     ctx.String("mqtt-host"),
			Username: ctx.String("mqtt-user"),
			Password: ctx.String("mqtt-pass"),
		},
		LogLevel: ctx.String("log-level"),
	}

	return run(ctx.Context, cfg, ctx.String("database-url"), ctx.String("migrations-folder"))
}

func run(ctx context.Context, cfg *config.Config, databaseURL, migrationsFolder string) error {
	errorChan := make(chan error, 1000)
	var err error

	eg, ctx := errgroup.WithContext(ctx)
	logCfg := zap.NewProductionConfig()

	logCfg.Level, err = zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logCfg.OutputPaths = []string{"stdout"}
	logCfg.ErrorOutputPaths = []string{"stdout"}
	logCfg.Sampling = nil
	logger := zap.Must(logCfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)))
	defer func() {
		_ = logger.Sync() // flushes buffer, if any.
	}()
	zap.ReplaceGlobals(logger)

	if err := cfg.EnvoyCfg.Validate(); err != nil {
		return err
	}

	var db *database.Database
	var store tokenstore.Store
	if databaseURL != "" {
		if migrationsFolder != "" {
			if err := migration.Migrate(databaseURL, migrationsFolder); err != nil {
				return err
			}
		}
		conn, err := pgx.Connect(ctx, databaseURL)
		if err != nil {
			return err
		}
		defer conn.Close(ctx)
		db = database.NewDatabase(conn)

		if err := publisher.RegisterPublisher("postgres", db); err != nil {
			return err
		}
		store = db
	} else {
		store = tokenstore.NewFileStore(cfg.EnvoyCfg.TokenCachePath)
	}

	if cfg.MqttCfg.Host != "" {
		opts := paho_mqtt.NewClientOptions().
			AddBroker(cfg.MqttCfg.Host).
			SetUsername(cfg.MqttCfg.Username).
			SetPassword(cfg.MqttCfg.Password).
			SetClientID("envoy-integration")
		mqttSvc := mqtt.New(paho_mqtt.NewClient(opts))
		if err := mqttSvc.Connect(); err != nil {
			return err
		}
		defer mqttSvc.Disconnect()
		if err := publisher.RegisterPublisher("mqtt", mqttSvc); err != nil {
			return err
		}
	}

	var envoySvc EnvoyService = envoy.New(*cfg.EnvoyCfg, store)
	if err := startEnvoy(ctx, envoySvc); err != nil {
		return err
	}

	if db != nil {
		eg.Go(func() error {
			return cronDbCleanup(db, errorChan)
		})
	}

	eg.Go(func() error {
		return envoySvc.Run(ctx)
	})

	eg.Go(func() error {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", handler.Healthz())
		mux.HandleFunc("/profile", handler.Profile(envoySvc))
		mux.HandleFunc("/auth/status", handler.AuthStatus(envoySvc))
		mux.HandleFunc("/poll/latest", handler.LatestPoll(envoySvc))
		if db != nil {
			mux.HandleFunc("/history", handler.History(db))
		}

		srv := &http.Server{
			Handler:      handler.LoggingMiddleware(mux),
			Addr:         "0.0.0.0:8000",
			WriteTimeout: 15 * time.Second,
			ReadTimeout:  15 * time.Second,
		}

		return srv.ListenAndServe()
	})

	eg.Go(func() error {
		// handle any async errors from the cron jobs
		for {
			select {
			case err := <-errorChan:
				if errors.Is(err, errCron) {
					logger.Error("cron error", zap.Error(err))
					return err
				}
			case <-ctx.Done():
				logger.Info("context done")
				return ctx.Err()
			}
		}
	})

	return eg.Wait()
}

var errCron = errors.New("cron error")

// startEnvoy primes credentials and locks in the device profile before any
// poll cycle runs.
func startEnvoy(ctx context.Context, svc EnvoyService) error {
	if err := svc.Authenticate(ctx); err != nil {
		return fmt.Errorf("authentication: %w", err)
	}
	if err := svc.Detect(ctx); err != nil {
		return fmt.Errorf("device detection: %w", err)
	}
	return nil
}

func cronDbCleanup(db *database.Database, errChan chan error) error {
	if err := db.Cleanup(context.Background()); err != nil {
		return err
	}

	c := cron.New()
	if _, err := c.AddFunc("0 3 * * *", func() {
		if err := db.Cleanup(context.Background()); err != nil {
			zap.L().Error("error cleaning up database", zap.Error(err))
			errChan <- errCron
			return
		}
		zap.L().Info("cleaned up old property rows")
	}); err != nil {
		return err
	}

	c.Run()
	return nil
}
