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
	"github.com/ariefcatur/go-groupbuy-orders/internal/httpx"
	"github.com/ariefcatur/go-groupbuy-orders/internal/logger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/metrics"
	"github.com/ariefcatur/go-groupbuy-orders/internal/rabbitmq"
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

	if err := run(cfg, log.With("service", cfg.ServiceName+"-notifier")); err != nil {
		log.Fatal("notifier stopped", "error", err)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	q, err := rabbitmq.New(cfg.RabbitURL, cfg.SMSQueue, log)
	if err != nil {
		return err
	}
	defer q.Close()
	if err := q.SetupQueues(); err != nil {
		return fmt.Errorf("setup sms queue: %w", err)
	}

	deliver := func(ctx context.Context, job rabbitmq.SMSJob) error {
		msg, err := client.SendSMS(ctx, job.Phone, job.Message)
		metrics.RecordNotification("sms", err == nil)
		if err != nil {
			return err
		}
		log.Info("sms delivered", "phone", job.Phone, "sid", msg.SID,
			"queued_for", time.Since(job.EnqueuedAt).Round(time.Millisecond).String())
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	workers := cfg.NotifyWorkers
	if workers <= 0 {
		workers = 1
	}
	g.Go(func() error {
		log.Info("sms consumer started", "queue", cfg.SMSQueue, "prefetch", workers)
		return q.Consume(gctx, cfg.ServiceName+"-notifier", workers, deliver)
	})
	g.Go(func() error {
		return q.DrainDeadLetters(gctx, cfg.ServiceName+"-notifier")
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
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

	return g.Wait()
}
