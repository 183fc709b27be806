// Command publish replays newline-delimited JSON documents onto a queue.
// Every line is validated against the queue schema before it is sent;
// invalid lines are reported and skipped.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/kinsyu/messaging"
	"github.com/kinsyu/messaging/config"
	"github.com/kinsyu/messaging/logging"
	"github.com/kinsyu/messaging/queues"
	"github.com/kinsyu/messaging/rabbitmq"
	"github.com/kinsyu/messaging/schema"
)

const maxLine = 1 << 20

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		queue      = flag.String("queue", "", "target queue")
		input      = flag.String("file", "", "input file, stdin when empty")
	)
	flag.Parse()

	if err := run(*configPath, queues.Name(*queue), *input); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, name queues.Name, input string) error {
	if _, ok := queues.Lookup(name); !ok {
		return fmt.Errorf("unknown queue %q, expected one of %v", name, queues.Names())
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var r io.Reader = os.Stdin
	if input != "" {
		f, err := os.Open(input)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	guard := rabbitmq.NewGuard(rabbitmq.GuardConfig{
		URL:         cfg.RabbitMQ.URL,
		QueueConfig: rabbitmq.DefaultQueueConfig().WithDeadLetterExchange(cfg.RabbitMQ.DeadLetterExchange),
	},
		messaging.WithLogger(logger),
		messaging.ConnectionName(cfg.RabbitMQ.ConnectionName),
	)
	defer guard.Cleanup(context.Background())

	published, failed, err := replay(ctx, guard, name, r, os.Stderr)
	logger.Info("replay finished",
		zap.String("queue", string(name)),
		zap.Int("published", published),
		zap.Int("failed", failed))
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d messages were not published", failed, published+failed)
	}
	return nil
}

// replay publishes every non-empty line of r and reports failed lines to
// report. Only input and connection errors stop it early.
func replay(ctx context.Context, guard *rabbitmq.Guard, name queues.Name, r io.Reader, report io.Writer) (published, failed int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return published, failed, err
		}

		client, err := guard.Client(ctx)
		if err != nil {
			return published, failed, err
		}

		err = rabbitmq.Publish(ctx, client, name, []byte(text))
		var verr *messaging.ValidationError
		switch {
		case err == nil:
			published++
		case errors.As(err, &verr):
			failed++
			fmt.Fprintf(report, "line %d: %s\n", line, strings.Join(schema.Strings(verr.Violations), "; "))
		case messaging.IsPermanent(err):
			failed++
			fmt.Fprintf(report, "line %d: %v\n", line, err)
		default:
			return published, failed, err
		}
	}
	return published, failed, scanner.Err()
}
