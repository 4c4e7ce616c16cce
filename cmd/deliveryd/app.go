package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iota-uz/telemetry-sdk/modules/tracking/services"
	"github.com/iota-uz/telemetry-sdk/pkg/configuration"
	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
	bussender "github.com/iota-uz/telemetry-sdk/pkg/delivery/senders/eventbus"
	"github.com/iota-uz/telemetry-sdk/pkg/delivery/senders/httpsender"
	kafkasender "github.com/iota-uz/telemetry-sdk/pkg/delivery/senders/kafka"
	"github.com/iota-uz/telemetry-sdk/pkg/delivery/store/memory"
	"github.com/iota-uz/telemetry-sdk/pkg/delivery/store/postgres"
	"github.com/iota-uz/telemetry-sdk/pkg/delivery/store/sqlite"
	"github.com/iota-uz/telemetry-sdk/pkg/eventbus"
	"github.com/iota-uz/telemetry-sdk/pkg/logging"
)

// app holds the wired delivery core shared by every subcommand.
type app struct {
	conf   *configuration.Configuration
	logger *logrus.Logger
	bus    eventbus.EventBusWithError

	store     delivery.Store
	scheduler *delivery.Scheduler
	producer  *delivery.Producer
	tracking  *services.TrackingService

	closers []func()
}

func loadConfig(flags *rootFlags) (*configuration.Configuration, error) {
	conf, err := configuration.Load(flags.envFiles...)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return conf, nil
}

func newApp(ctx context.Context, conf *configuration.Configuration) (*app, error) {
	a := &app{
		conf:   conf,
		logger: conf.Logger(),
	}
	a.closers = append(a.closers, conf.Unload)
	a.bus = eventbus.NewEventPublisher(a.logger)

	if conf.OpenTelemetry.Enabled {
		a.closers = append(a.closers, logging.SetupTracing(ctx, conf.OpenTelemetry.ServiceName, conf.OpenTelemetry.TempoURL))
		a.logger.Info("OpenTelemetry tracing enabled, exporting to Tempo at " + conf.OpenTelemetry.TempoURL)
	}

	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	log := a.logger.WithField("component", "delivery")

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.store = store

	classifier := delivery.DefaultClassifier()
	if path := a.conf.Delivery.ClassifierPath; path != "" {
		classifier, err = delivery.LoadClassifier(path)
		if err != nil {
			return fmt.Errorf("load classifier: %w", err)
		}
	}

	sender, err := a.newSender()
	if err != nil {
		return err
	}

	a.bus.Subscribe(func(o *delivery.Outcome) {
		entry := log.WithFields(logrus.Fields{
			"transaction_id": o.Event.TransactionID,
			"event_type":     o.Event.Type,
			"result":         o.Result,
		})
		if o.Err != nil {
			entry.WithError(o.Err).Info("delivery: outcome")
			return
		}
		entry.Debug("delivery: outcome")
	})

	d := a.conf.Delivery
	a.scheduler, err = delivery.NewScheduler(store, sender, delivery.SchedulerOptions{
		RetryDeadline:    d.RetryDeadline,
		RetentionHorizon: d.RetentionHorizon,
		FetchLimit:       d.FetchLimit,
		PollInterval:     d.PollInterval,
		SendTimeout:      d.SendTimeout,
		LogBodyMaxLen:    d.LogBodyMaxLen,
		StartSuspended:   d.StartSuspended,
		Classifier:       classifier,
		Logger:           log,
		Bus:              a.bus,
		OnStateChange: func(st delivery.State) {
			log.WithField("state", st.String()).Debug("delivery: state changed")
		},
	})
	if err != nil {
		return err
	}
	a.producer, err = delivery.NewProducer(store, a.scheduler, delivery.ProducerOptions{Logger: log})
	if err != nil {
		return err
	}
	a.tracking = services.NewTrackingService(a.producer, services.Options{
		SessionTimeout: d.VisitSessionTimeout,
		SyncTimeout:    d.SyncTimeout,
		Logger:         a.logger.WithField("component", "tracking"),
	})
	return nil
}

func (a *app) openStore(ctx context.Context) (delivery.Store, error) {
	retention := a.conf.Delivery.RetentionHorizon
	switch a.conf.Store.Driver {
	case configuration.StoreMemory:
		a.logger.Warn("delivery: memory store selected, events will not survive a restart")
		return memory.New(memory.Options{RetentionHorizon: retention}), nil
	case configuration.StorePostgres:
		pool, err := connectDB(ctx, a.conf.Database.Opts)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		table, err := postgres.ParseIdentifier(a.conf.Store.Table)
		if err != nil {
			return nil, err
		}
		st, err := postgres.New(pool, table, postgres.Options{RetentionHorizon: retention})
		if err != nil {
			return nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return st, nil
	default:
		st, err := openSQLite(ctx, a.conf, false)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = st.Close() })
		return st, nil
	}
}

func (a *app) newSender() (delivery.Sender, error) {
	s := a.conf.Sender
	switch s.Kind {
	case configuration.SenderKafka:
		sender, err := kafkasender.New(kafkasender.Options{
			Brokers:      s.KafkaBrokers,
			Topic:        s.KafkaTopic,
			WriteTimeout: s.KafkaTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := sender.Close(); err != nil {
				a.logger.WithError(err).Warn("delivery: kafka writer close failed")
			}
		})
		return sender, nil
	case configuration.SenderEventBus:
		log := a.logger.WithField("component", "sink")
		a.bus.Subscribe(func(ctx context.Context, e *delivery.Event) {
			log.WithFields(logrus.Fields{
				"transaction_id": e.TransactionID,
				"event_type":     e.Type,
			}).Info("event received")
		})
		return bussender.New(a.bus), nil
	default:
		headers := map[string]string{}
		if s.CollectorAPIKey != "" {
			headers["Authorization"] = "Bearer " + s.CollectorAPIKey
		}
		return httpsender.New(httpsender.Options{
			URL:     s.CollectorURL,
			Timeout: a.conf.Delivery.SendTimeout,
			Headers: headers,
		})
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openSQLite(ctx context.Context, conf *configuration.Configuration, skipMigrate bool) (*sqlite.Store, error) {
	path := conf.Store.SQLitePath
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	return sqlite.Open(ctx, sqlite.Options{
		Path:             path,
		RetentionHorizon: conf.Delivery.RetentionHorizon,
		SkipMigrate:      skipMigrate,
	})
}

func connectDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db connect failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	return pool, nil
}

// withApp wires a fresh app for one subcommand and closes it when fn returns.
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, a *app) error) error {
	conf, err := loadConfig(flags)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, conf)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}
