package rabbitmq

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kinsyu/messaging"
	"github.com/kinsyu/messaging/queues"
)

// State is the connection state of a Guard.
type State int

const (
	StateUnconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unconnected"
	}
}

// GuardConfig describes the broker a Guard connects to and the queues it
// declares after every successful connect.
type GuardConfig struct {
	URL string
	// Queues defaults to every registered queue.
	Queues      []queues.Name
	QueueConfig QueueConfig
}

// Guard lazily connects on first use and shares one Client between every
// caller in the process. Concurrent callers join the same connect attempt.
// When the broker link goes away the guard forgets the client, so the next
// call to Client connects again.
type Guard struct {
	cfg    GuardConfig
	opts   []messaging.Option
	logger *zap.Logger

	group singleflight.Group

	mu     sync.Mutex
	state  State
	client *Client
	// pending is closed when the running connect attempt finishes.
	pending chan struct{}
}

const flightKey = "connect"

func NewGuard(cfg GuardConfig, opts ...messaging.Option) *Guard {
	if cfg.Queues == nil {
		cfg.Queues = queues.Names()
	}
	return &Guard{
		cfg:    cfg,
		opts:   opts,
		logger: messaging.NewOptions(opts...).Logger,
	}
}

// State reports the current connection state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Client returns the connected client, connecting first if needed. A failed
// attempt is returned to every caller that joined it and the next call tries
// again. ctx bounds how long this caller waits; the attempt itself keeps
// going for the callers still waiting on it.
func (g *Guard) Client(ctx context.Context) (*Client, error) {
	g.mu.Lock()
	if g.state == StateConnected {
		c := g.client
		g.mu.Unlock()
		return c, nil
	}
	g.mu.Unlock()

	attempt := context.WithoutCancel(ctx)
	ch := g.group.DoChan(flightKey, func() (any, error) {
		return g.connect(attempt)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		c, ok := res.Val.(*Client)
		if !ok || c == nil {
			return nil, messaging.ErrNotConnected
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Guard) connect(ctx context.Context) (*Client, error) {
	g.mu.Lock()
	if g.state == StateConnected {
		c := g.client
		g.mu.Unlock()
		return c, nil
	}
	g.state = StateConnecting
	pending := make(chan struct{})
	g.pending = pending
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.pending == pending {
			g.pending = nil
		}
		g.mu.Unlock()
		close(pending)
	}()

	client, err := Connect(ctx, g.cfg.URL, g.opts...)
	if err != nil {
		g.setUnconnected()
		g.logger.Error("connect failed", zap.Error(err))
		return nil, err
	}

	if err := client.DeclareQueues(g.cfg.Queues, g.cfg.QueueConfig); err != nil {
		client.Close()
		g.setUnconnected()
		g.logger.Error("declare queues failed", zap.Error(err))
		return nil, messaging.NewConnectionError(g.cfg.URL, err)
	}

	g.mu.Lock()
	g.client = client
	g.state = StateConnected
	g.mu.Unlock()

	client.OnSignal(func(sig messaging.BrokerSignal) {
		g.forget(client, sig)
	})

	return client, nil
}

func (g *Guard) setUnconnected() {
	g.mu.Lock()
	g.state = StateUnconnected
	g.mu.Unlock()
}

// forget drops client if it is still the current one. Signals from a client
// that was already replaced or cleaned up are ignored.
func (g *Guard) forget(client *Client, sig messaging.BrokerSignal) {
	g.mu.Lock()
	if g.client != client {
		g.mu.Unlock()
		return
	}
	g.client = nil
	g.state = StateUnconnected
	g.mu.Unlock()

	g.logger.Warn("broker connection reset", zap.Stringer("signal", sig))
	client.Close()
}

// Cleanup waits for an in-flight connect, ignoring its outcome, then closes
// the client and resets the guard. The guard can connect again afterwards.
func (g *Guard) Cleanup(ctx context.Context) error {
	g.mu.Lock()
	pending := g.pending
	g.mu.Unlock()

	if pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g.mu.Lock()
	client := g.client
	g.client = nil
	g.state = StateUnconnected
	g.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}
