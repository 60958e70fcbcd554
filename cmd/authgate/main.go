// Command authgate runs the conversational authentication gateway: a chat
// front-end that gates an echo channel behind the OAuth 2.0 Device
// Authorization Grant.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/turtacn/authgate/internal/application/session"
	"github.com/turtacn/authgate/internal/config"
	"github.com/turtacn/authgate/internal/domain/repository"
	"github.com/turtacn/authgate/internal/infrastructure/audit"
	"github.com/turtacn/authgate/internal/infrastructure/identity"
	"github.com/turtacn/authgate/internal/infrastructure/monitoring"
	"github.com/turtacn/authgate/internal/infrastructure/persistence/gormstore"
	"github.com/turtacn/authgate/internal/infrastructure/persistence/memstore"
	"github.com/turtacn/authgate/internal/infrastructure/persistence/redisstore"
	"github.com/turtacn/authgate/internal/interfaces/chat"
	"github.com/turtacn/authgate/internal/interfaces/ops"
	"github.com/turtacn/authgate/pkg/constants"
	"github.com/turtacn/authgate/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "authgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	bootLog := logger.NewNoopLogger()
	cfg, v, err := config.LoadConfig(bootLog)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := monitoring.NewZapLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(registry)

	store, gormDB, err := buildStore(cfg, log)
	if err != nil {
		return fmt.Errorf("init session store: %w", err)
	}

	recorder, err := buildRecorder(cfg, gormDB, log)
	if err != nil {
		return fmt.Errorf("init audit recorder: %w", err)
	}
	defer recorder.Close()

	idp := identity.NewAuth0Client(&cfg.Provider, log)
	transport := chat.NewTelegramTransport(&cfg.Telegram, log)

	timeout := config.NewInactivityTimeout(cfg.Session.InactivityTimeout)
	config.WatchInactivityTimeout(v, timeout, log)

	manager := session.NewManager(
		store, idp, transport, recorder, metrics, log,
		timeout, cfg.Session.SweepInterval, cfg.Session.PollIntervalOverride,
	)
	defer manager.Shutdown()

	// Re-arm device flows left pending by a previous process before any new
	// traffic arrives.
	if err := manager.Resume(ctx); err != nil {
		return fmt.Errorf("resume pending flows: %w", err)
	}

	router := chat.NewRouter(manager, transport, metrics, log)
	opsServer := ops.NewServer(cfg.Ops.Addr, registry, manager, log)

	log.Info(ctx, "authgate starting", logger.Fields{
		"store_driver": cfg.Store.Driver,
		"ops_addr":     cfg.Ops.Addr,
		"audit":        cfg.Audit.Enabled,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(gctx) })
	g.Go(func() error { return manager.RunSweep(gctx) })
	g.Go(func() error { return opsServer.Run(gctx) })

	err = g.Wait()
	if err == context.Canceled {
		log.Info(context.Background(), "authgate stopped")
		return nil
	}
	return err
}

// buildStore selects the session store backend. The gorm handle is returned so
// the audit recorder can share it when one exists.
func buildStore(cfg *config.Config, log logger.Logger) (repository.SessionStore, *gorm.DB, error) {
	switch cfg.Store.Driver {
	case constants.StoreDriverMemory:
		return memstore.NewMemStore(), nil, nil

	case constants.StoreDriverSQLite:
		db, err := gorm.Open(sqlite.Open(cfg.Store.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, nil, err
		}
		store, err := gormstore.NewStoreWithDB(db, log)
		return store, db, err

	case constants.StoreDriverPostgres:
		db, err := gorm.Open(postgres.Open(cfg.Store.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, nil, err
		}
		store, err := gormstore.NewStoreWithDB(db, log)
		return store, db, err

	case constants.StoreDriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		return redisstore.NewRedisStore(client), nil, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// buildRecorder picks the audit sink: Kafka when configured, the relational
// database when one backs the session store, otherwise a no-op.
func buildRecorder(cfg *config.Config, gormDB *gorm.DB, log logger.Logger) (audit.Recorder, error) {
	if cfg.Audit.Enabled && len(cfg.Audit.Brokers) > 0 {
		return audit.NewKafkaProducer(&cfg.Audit, log), nil
	}
	if gormDB != nil {
		return audit.NewGormRecorder(gormDB, log)
	}
	return audit.NewNoopRecorder(), nil
}
