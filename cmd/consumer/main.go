package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kinsyu/messaging"
	"github.com/kinsyu/messaging/config"
	"github.com/kinsyu/messaging/handlers"
	"github.com/kinsyu/messaging/logging"
	"github.com/kinsyu/messaging/middleware"
	"github.com/kinsyu/messaging/ops"
	"github.com/kinsyu/messaging/queues"
	"github.com/kinsyu/messaging/rabbitmq"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting consumer", zap.Stringer("config", cfg))

	metrics := messaging.NewMetrics(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		if err := metrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	guard := rabbitmq.NewGuard(rabbitmq.GuardConfig{
		URL:         cfg.RabbitMQ.URL,
		QueueConfig: rabbitmq.DefaultQueueConfig().WithDeadLetterExchange(cfg.RabbitMQ.DeadLetterExchange),
	},
		messaging.WithLogger(logger),
		messaging.ConnectionName(cfg.RabbitMQ.ConnectionName),
		messaging.Heartbeat(cfg.RabbitMQ.Heartbeat),
		messaging.WithMetrics(metrics),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           ops.NewRouter(guard, prometheus.DefaultGatherer),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.GracePeriod)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	client, err := guard.Client(ctx)
	if err != nil {
		return err
	}

	subs, err := subscribe(client, handlers.New(logger), messaging.Prefetch(cfg.RabbitMQ.Prefetch))
	if err != nil {
		shutdown(logger, guard, subs, cfg.Shutdown.GracePeriod)
		return err
	}
	logger.Info("consumer is listening", zap.Int("queues", len(subs)))

	ended := make(chan queues.Name, len(subs))
	for _, sub := range subs {
		go func(sub *rabbitmq.Subscription) {
			<-sub.Done()
			ended <- sub.Queue()
		}(sub)
	}

	var failure error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case name := <-ended:
		failure = fmt.Errorf("subscription to %s ended", name)
		logger.Error("subscription ended, shutting down", zap.String("queue", string(name)))
	}

	shutdown(logger, guard, subs, cfg.Shutdown.GracePeriod)
	return failure
}

func subscribe(client *rabbitmq.Client, h *handlers.Handlers, opts ...messaging.SubscribeOption) ([]*rabbitmq.Subscription, error) {
	var subs []*rabbitmq.Subscription

	swaps, err := rabbitmq.Subscribe(client, queues.UniswapV2Swaps, middleware.OtelHandler(h.UniswapV2Swap), opts...)
	if err != nil {
		return nil, err
	}
	subs = append(subs, swaps)

	pumpfun, err := rabbitmq.Subscribe(client, queues.PumpfunTrades, middleware.OtelHandler(h.PumpfunTrade), opts...)
	if err != nil {
		return subs, err
	}
	subs = append(subs, pumpfun)

	raydium, err := rabbitmq.Subscribe(client, queues.RaydiumTrades, middleware.OtelHandler(h.RaydiumTrade), opts...)
	if err != nil {
		return subs, err
	}
	subs = append(subs, raydium)

	return subs, nil
}

// shutdown stops consuming, waits for running handlers within grace and
// closes the broker connection.
func shutdown(logger *zap.Logger, guard *rabbitmq.Guard, subs []*rabbitmq.Subscription, grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	for _, sub := range subs {
		if err := sub.Unsubscribe(ctx); err != nil {
			logger.Warn("unsubscribe", zap.String("queue", string(sub.Queue())), zap.Error(err))
		}
	}
	if err := guard.Cleanup(ctx); err != nil {
		logger.Warn("closing broker connection", zap.Error(err))
	}
	logger.Info("consumer stopped")
}
