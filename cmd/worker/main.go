package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/suPer8Hu/freechat/internal/app"
	"github.com/suPer8Hu/freechat/internal/config"
	"github.com/suPer8Hu/freechat/internal/logger"
	"github.com/suPer8Hu/freechat/internal/store/rabbitmq"
	"go.uber.org/zap"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("FREECHAT_CONFIG"), "config file (YAML)")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

// run returns instead of exiting so the broker, database and redis
// connections are always closed.
func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	if err != nil {
		return err
	}
	log = log.Named("worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("init failed", zap.Error(err))
		return err
	}
	defer a.Close()

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue, rabbitmq.ConsumerOptions{
		Concurrency: cfg.Worker.Concurrency,
		Logger:      log,
	})
	if err != nil {
		log.Error("rabbit connect failed", zap.String("queue", cfg.RabbitMQ.Queue), zap.Error(err))
		return err
	}
	defer consumer.Close()

	err = consumer.Run(ctx, func(ctx context.Context, jobID string) error {
		return a.Runner.HandleJob(ctx, a.Jobs, jobID)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consumer stopped", zap.Error(err))
		return err
	}
	log.Info("worker stopped")
	return nil
}
