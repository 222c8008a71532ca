package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-groupbuy-orders/internal/config"
	"github.com/ariefcatur/go-groupbuy-orders/internal/engine"
	"github.com/ariefcatur/go-groupbuy-orders/internal/events"
	"github.com/ariefcatur/go-groupbuy-orders/internal/httpx"
	"github.com/ariefcatur/go-groupbuy-orders/internal/intake"
	kafkax "github.com/ariefcatur/go-groupbuy-orders/internal/kafka"
	"github.com/ariefcatur/go-groupbuy-orders/internal/lock"
	"github.com/ariefcatur/go-groupbuy-orders/internal/logger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/notify"
	"github.com/ariefcatur/go-groupbuy-orders/internal/orders"
	"github.com/ariefcatur/go-groupbuy-orders/internal/orders/memstore"
	"github.com/ariefcatur/go-groupbuy-orders/internal/postgres"
	"github.com/ariefcatur/go-groupbuy-orders/internal/rabbitmq"
	"github.com/ariefcatur/go-groupbuy-orders/internal/redisx"
	"github.com/ariefcatur/go-groupbuy-orders/internal/sms"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log.With("service", cfg.ServiceName)); err != nil {
		log.Fatal("engine stopped", "error", err)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store   orders.Store
		catalog orders.Catalog
		locker  lock.Locker = lock.NewKeyedMutex()
		dedup   intake.Deduper
		checks  []httpx.Check
	)

	switch cfg.StoreDriver {
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			return err
		}
		repo := &orders.Repo{DB: db}
		store, catalog = repo, repo
		checks = append(checks, httpx.Check{Name: "postgres", Fn: db.Ping})

		// several engine processes share one database, so locks and dedup live in Redis
		rdb := redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		if err := redisx.Ping(ctx, rdb); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		locker = redisx.NewLocker(rdb, cfg.LockTTL)
		dedup = redisx.NewDeduper(rdb, cfg.ServiceName)
		checks = append(checks, httpx.Check{Name: "redis", Fn: func(ctx context.Context) error {
			return redisx.Ping(ctx, rdb)
		}})
	default:
		mem := memstore.New(cfg.Products...)
		store, catalog = mem, mem
		log.Warn("running on the in-memory store, state is lost on exit", "products", len(cfg.Products))
	}

	var notifier orders.Notifier = orders.NopNotifier{}
	switch cfg.NotifyMode {
	case "queue":
		q, err := rabbitmq.New(cfg.RabbitURL, cfg.SMSQueue, log)
		if err != nil {
			return err
		}
		defer q.Close()
		if err := q.SetupQueues(); err != nil {
			return fmt.Errorf("setup sms queue: %w", err)
		}
		notifier = q
		checks = append(checks, httpx.Check{Name: "rabbitmq", Fn: func(context.Context) error {
			if q.Conn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		}})
	case "direct":
		client, err := sms.New(log, sms.Config{
			BaseURL:    cfg.SMS.BaseURL,
			AccountSID: cfg.SMS.AccountSID,
			AuthToken:  cfg.SMS.AuthToken,
			From:       cfg.SMS.From,
			Timeout:    cfg.SMS.Timeout,
			MaxRetries: cfg.SMS.MaxRetries,
		})
		if err != nil {
			return err
		}
		d := notify.NewDispatcher(client, log, cfg.NotifyWorkers, 256)
		d.Start()
		defer d.Close()
		notifier = d
	}

	var (
		emitter orders.Emitter = orders.NopEmitter{}
		prod    *kafkax.Producer
	)
	if len(cfg.KafkaBrokers) > 0 {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
		prod.Start(context.Background())
		emitter = events.New(prod, cfg.ServiceName, log)
	}

	eng := engine.New(engine.Deps{
		Store:       store,
		Catalog:     catalog,
		Locker:      locker,
		Notifier:    notifier,
		Events:      emitter,
		Settings:    cfg.Settings,
		OrderPrefix: cfg.OrderPrefix,
		Log:         log,
	})

	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(log, checks...),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.Info("ops listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if len(cfg.KafkaBrokers) > 0 {
		h := &intake.Handler{
			Payments: eng.Payments,
			Orders:   eng.Ledger,
			Batches:  eng.Closer,
			Dedup:    dedup,
			Log:      log.With("component", "intake"),
		}
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroup, intake.Topics, cfg.KafkaWorkers, log)
		g.Go(func() error {
			log.Info("intake consumer started", "group", cfg.KafkaGroup, "topics", intake.Topics, "workers", cfg.KafkaWorkers)
			return cons.Start(gctx, h.Handle)
		})
	}

	if cfg.StatsInterval > 0 {
		g.Go(func() error {
			reportStats(gctx, eng, cfg.StatsInterval, log)
			return nil
		})
	}

	err := g.Wait()
	if prod != nil {
		prod.Close()
		prod.WaitClosed()
	}
	return err
}

func reportStats(ctx context.Context, eng *engine.Engine, every time.Duration, log *logger.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st, err := eng.Closer.Stats(ctx, time.Time{}, time.Time{})
			if err != nil {
				log.Warn("moq stats failed", "error", err)
				continue
			}
			log.Info("moq stats",
				"below_moq", st.BatchesBelowMOQ,
				"awaiting_confirmation", st.BatchesAwaitingConfirmation,
				"completed", st.BatchesCompleted,
				"shipping_fees_collected", st.TotalShippingFeesCollected.String(),
				"awaiting_shipping_payment", st.OrdersAwaitingShippingPayment,
				"blocked_from_delivery", st.OrdersBlockedFromDelivery,
			)
		}
	}
}
