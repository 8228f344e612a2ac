// Package consumer runs a calling service against a relay: it connects,
// subscribes to inbound contexts and feeds notifications to the service
// until stopped, reconnecting when the session drops.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dense-identity/relaycall/internal/calling"
	"github.com/dense-identity/relaycall/internal/rpc"
	"github.com/dense-identity/relaycall/internal/transport"
)

var (
	ErrMissingProject = errors.New("project is required")
	ErrMissingToken   = errors.New("token is required")
	errNotConnected   = errors.New("relay session not established")
)

// Session is one live relay connection, direct or through a gateway.
type Session interface {
	Execute(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notifications() <-chan transport.Notification
	Receive(ctx context.Context, contexts []string) error
	Close() error
}

// Connector opens a new Session.
type Connector func(ctx context.Context) (Session, error)

// DialRelay connects straight to the relay.
func DialRelay(opts transport.Options) Connector {
	return func(ctx context.Context) (Session, error) {
		c := transport.NewClient(opts)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// DialGateway connects through a relaycall gateway.
func DialGateway(addr string, useTLS bool, opts ...rpc.ClientOption) Connector {
	return func(ctx context.Context) (Session, error) {
		c, err := rpc.NewClient(addr, useTLS, opts...)
		if err != nil {
			return nil, err
		}
		c.Start()
		return c, nil
	}
}

// Hooks are the application callbacks. All are optional.
type Hooks struct {
	Setup    func(ctx context.Context, svc *calling.Service) error
	Ready    func(ctx context.Context, svc *calling.Service)
	Teardown func()
	// OnIncomingCall runs on its own goroutine for every received call.
	OnIncomingCall func(ctx context.Context, call *calling.Call)
}

type Options struct {
	// Credentials, when set, must carry both project and token.
	Credentials *transport.Credentials
	Contexts    []string
	Logger      logrus.FieldLogger
	// Backoff is the reconnect schedule; the last entry repeats.
	Backoff        []time.Duration
	ServiceOptions []calling.Option
}

type Consumer struct {
	connect Connector
	opts    Options
	hooks   Hooks
	log     logrus.FieldLogger
	svc     *calling.Service

	session atomic.Value // sessionBox
	ready   atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type sessionBox struct{ s Session }

// New builds the consumer and its calling service. Attach observers to
// Service() before calling Run.
func New(connect Connector, opts Options, hooks Hooks) (*Consumer, error) {
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = []time.Duration{0, 500 * time.Millisecond, 1 * time.Second, 2 * time.Second, 5 * time.Second}
	}
	c := &Consumer{connect: connect, opts: opts, hooks: hooks, log: opts.Logger}

	svcOpts := append([]calling.Option{calling.WithLogger(opts.Logger)}, opts.ServiceOptions...)
	svc, err := calling.New(calling.ExecutorFunc(c.execute), svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating calling service: %w", err)
	}
	c.svc = svc
	return c, nil
}

func (c *Consumer) Service() *calling.Service { return c.svc }

func (c *Consumer) current() Session {
	b, _ := c.session.Load().(sessionBox)
	return b.s
}

func (c *Consumer) execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s := c.current()
	if s == nil {
		return nil, errNotConnected
	}
	return s.Execute(ctx, method, params)
}

// Stop makes a running Run return.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Run blocks until ctx is done or Stop is called. Ready fires once, after
// the first session is subscribed; Teardown fires on the way out once Setup
// succeeded and the credentials were accepted.
func (c *Consumer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	if c.hooks.Setup != nil {
		if err := c.hooks.Setup(ctx, c.svc); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
	}
	if cr := c.opts.Credentials; cr != nil {
		if strings.TrimSpace(cr.Project) == "" {
			return ErrMissingProject
		}
		if strings.TrimSpace(cr.Token) == "" {
			return ErrMissingToken
		}
	}

	if c.hooks.Teardown != nil {
		defer c.hooks.Teardown()
	}

	if c.hooks.OnIncomingCall != nil {
		c.svc.OnCallReceived(func(call *calling.Call, _ *calling.ReceiveParams) {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.hooks.OnIncomingCall(ctx, call)
			}()
		})
	}
	defer func() {
		cancel()
		c.wg.Wait()
	}()

	backoffIdx := 0
	for {
		s, err := c.establish(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).Warn("[Consumer] Failed to establish relay session")
			if !c.sleepBackoff(ctx, backoffIdx) {
				return nil
			}
			backoffIdx++
			continue
		}
		backoffIdx = 0

		if !c.ready.Swap(true) && c.hooks.Ready != nil {
			c.hooks.Ready(ctx, c.svc)
		}

		c.dispatch(ctx, s)
		c.session.Store(sessionBox{})
		_ = s.Close()
		if ctx.Err() != nil {
			return nil
		}

		c.log.Warn("[Consumer] Relay session lost, reconnecting")
		c.svc.Reset()
		if !c.sleepBackoff(ctx, backoffIdx) {
			return nil
		}
		backoffIdx++
	}
}

// establish connects and subscribes to the configured contexts.
func (c *Consumer) establish(ctx context.Context) (Session, error) {
	s, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.session.Store(sessionBox{s: s})
	if len(c.opts.Contexts) > 0 {
		if err := s.Receive(ctx, c.opts.Contexts); err != nil {
			c.session.Store(sessionBox{})
			_ = s.Close()
			return nil, fmt.Errorf("receiving on %v: %w", c.opts.Contexts, err)
		}
	}
	c.log.WithField("contexts", c.opts.Contexts).Info("[Consumer] Relay session ready")
	return s, nil
}

func (c *Consumer) dispatch(ctx context.Context, s Session) {
	ch := s.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			c.svc.HandleNotification(calling.Envelope{Event: n.Event, Params: n.Params})
		}
	}
}

func (c *Consumer) sleepBackoff(ctx context.Context, idx int) bool {
	if idx >= len(c.opts.Backoff) {
		idx = len(c.opts.Backoff) - 1
	}
	select {
	case <-time.After(c.opts.Backoff[idx]):
		return true
	case <-ctx.Done():
		return false
	}
}
