package nats

import (
	"context"
	"fmt"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/nerrad567/pebble-core/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultDrainTimeout   = 10 * time.Second
	defaultPingInterval   = 20 * time.Second
	defaultHealthTimeout  = 5 * time.Second
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MessageHandler processes one inbound message. When the message carries
// a reply subject and the handler returns a non-nil reply, it is sent back
// to the requester. A returned error is logged.
type MessageHandler func(subject string, data []byte) (reply []byte, err error)

// Client wraps a nats.go connection for Pebble Core's alternative event
// transport.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Handlers run on the nats.go subscription goroutines.
type Client struct {
	conn     *natsgo.Conn
	cfg      config.NATSConfig
	subjects Subjects

	subs []*natsgo.Subscription
	mu   sync.Mutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Connect dials the configured NATS server.
//
// Parameters:
//   - ctx: Bounds the initial dial
//   - cfg: NATS configuration
//
// Returns:
//   - *Client: Connected client
//   - error: ErrDisabled when cfg.Enabled is false, or wraps ErrConnectionFailed
func Connect(ctx context.Context, cfg config.NATSConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	c := &Client{
		cfg:      cfg,
		subjects: NewSubjects(cfg.SubjectPrefix),
	}

	type result struct {
		conn *natsgo.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := natsgo.Connect(cfg.URL, c.buildOptions()...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, r.err)
		}
		c.conn = r.conn
	case <-ctx.Done():
		// Close a connection that completes after we gave up.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	}

	return c, nil
}

// buildOptions converts config into nats.go connection options.
func (c *Client) buildOptions() []natsgo.Option {
	cfg := c.cfg
	opts := []natsgo.Option{
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Second),
		natsgo.PingInterval(defaultPingInterval),
		natsgo.Timeout(defaultConnectTimeout),
		natsgo.DrainTimeout(defaultDrainTimeout),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if logger := c.getLogger(); logger != nil && err != nil {
				logger.Warn("NATS connection lost", "error", err)
			}
		}),
		natsgo.ReconnectHandler(func(conn *natsgo.Conn) {
			if logger := c.getLogger(); logger != nil {
				logger.Info("NATS reconnected", "url", conn.ConnectedUrlRedacted())
			}
		}),
		natsgo.ErrorHandler(func(_ *natsgo.Conn, sub *natsgo.Subscription, err error) {
			if logger := c.getLogger(); logger != nil {
				subject := ""
				if sub != nil {
					subject = sub.Subject
				}
				logger.Error("NATS async error", "subject", subject, "error", err)
			}
		}),
	}

	if cfg.Name != "" {
		opts = append(opts, natsgo.Name(cfg.Name))
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, natsgo.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsgo.Token(cfg.Token))
	}
	return opts
}

// Subjects returns the subject builder for the configured prefix.
func (c *Client) Subjects() Subjects {
	return c.subjects
}

// Subscribe registers handler on subject. When a queue group is
// configured the subscription joins it so that instances share the load.
func (c *Client) Subscribe(subject string, handler MessageHandler) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connectedLocked() {
		return ErrNotConnected
	}

	var (
		sub *natsgo.Subscription
		err error
	)
	if c.cfg.QueueGroup != "" {
		sub, err = c.conn.QueueSubscribe(subject, c.cfg.QueueGroup, c.wrapHandler(handler))
	} else {
		sub, err = c.conn.Subscribe(subject, c.wrapHandler(handler))
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	c.subs = append(c.subs, sub)
	return nil
}

// Publish sends data on subject.
func (c *Client) Publish(subject string, data []byte) error {
	if subject == "" {
		return ErrInvalidSubject
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.connectedLocked()
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// SubscriptionCount returns the number of active subscriptions.
func (c *Client) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// HealthCheck reports ErrNotConnected unless the connection is up, then
// measures a round trip to the server bounded by ctx.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("nats health check: %w", ctx.Err())
	default:
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.connectedLocked()
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	// FlushWithContext requires a deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultHealthTimeout)
		defer cancel()
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats health check: %w", err)
	}
	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedLocked()
}

func (c *Client) connectedLocked() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains subscriptions so in-flight handlers finish, then closes
// the connection. Closing an unconnected client is not an error.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.subs = nil
	c.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("draining nats connection: %w", err)
	}
	return nil
}

// SetLogger sets a logger for connection events and handler failures.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler adds panic recovery, error logging and request replies.
func (c *Client) wrapHandler(handler MessageHandler) natsgo.MsgHandler {
	return func(msg *natsgo.Msg) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("NATS handler panic recovered",
						"subject", msg.Subject,
						"panic", r,
					)
				}
			}
		}()

		reply, err := handler(msg.Subject, msg.Data)
		if err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("NATS handler returned error",
					"subject", msg.Subject,
					"error", err,
				)
			}
		}
		if msg.Reply == "" || reply == nil {
			return
		}
		if err := msg.Respond(reply); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("NATS reply failed", "subject", msg.Subject, "error", err)
			}
		}
	}
}
