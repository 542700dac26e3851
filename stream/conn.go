package stream

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultRetryDelay is the pause between transport-level reconnect
// attempts, mirroring the default retry of a browser EventSource.
const DefaultRetryDelay = 3 * time.Second

// Connection is a live stream subscription. Messages arrive in the
// order the server sent them on a single underlying connection;
// transport errors are reported for observability and do not end the
// subscription, because the connection retries internally.
type Connection interface {
	// Messages returns the channel of inbound frames. It is closed when
	// the connection is closed.
	Messages() <-chan Message

	// Errors returns the channel of transport-level error reports.
	Errors() <-chan error

	// Close terminates the connection. It is idempotent.
	Close() error
}

// Dialer opens a Connection for a subscription key and resume cursor.
// Implementations never fail synchronously; connection problems surface
// on the Errors channel.
type Dialer func(key SubscriptionKey, resumeCursor string) Connection

// Config configures stream connections.
type Config struct {
	// BaseURL is the backend endpoint, e.g. "https://api.example.com".
	BaseURL string

	// Token is the bearer credential attached to the connection URL.
	Token string

	// Client is the HTTP client used for streaming requests. Its
	// timeout is ignored for the stream body (default: http.DefaultClient
	// semantics with no timeout).
	Client *http.Client

	// RetryDelay is the pause before a transport-level reconnect
	// (default: DefaultRetryDelay).
	RetryDelay time.Duration

	// BufferSize is the message channel buffer (default: 64).
	BufferSize int

	// Logger receives connection lifecycle logs (default: slog.Default).
	Logger *slog.Logger
}

// NewDialer returns a Dialer that opens SSE connections with the given
// configuration.
func NewDialer(cfg Config) Dialer {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return func(key SubscriptionKey, resumeCursor string) Connection {
		return open(cfg, key, resumeCursor)
	}
}

// Conn is a single SSE subscription with internal transport retry. On a
// transport failure it waits the retry delay and re-dials, presenting
// the last seen event id as the resume cursor so already-delivered
// frames are not replayed.
type Conn struct {
	cfg    Config
	key    SubscriptionKey
	cursor string

	msgs chan Message
	errs chan error

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lastID string
	closed bool
	done   chan struct{}
}

func open(cfg Config, key SubscriptionKey, resumeCursor string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		cfg:    cfg,
		key:    key,
		cursor: resumeCursor,
		msgs:   make(chan Message, cfg.BufferSize),
		errs:   make(chan error, 8),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go c.run()

	return c
}

// Messages returns the channel of inbound frames.
func (c *Conn) Messages() <-chan Message {
	return c.msgs
}

// Errors returns the channel of transport error reports.
func (c *Conn) Errors() <-chan error {
	return c.errs
}

// Close terminates the connection and closes the message channel. It is
// safe to call multiple times.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	<-c.done
	return nil
}

// run is the connect/read/retry loop.
func (c *Conn) run() {
	defer func() {
		close(c.msgs)
		close(c.errs)
		close(c.done)
	}()

	for {
		if c.ctx.Err() != nil {
			return
		}

		if err := c.attempt(); err != nil {
			c.reportError(err)
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.cfg.RetryDelay):
		}
	}
}

// resumeCursor returns the cursor for the next dial: the last seen
// event id once any frame has carried one, else the original cursor.
func (c *Conn) resumeCursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastID != "" {
		return c.lastID
	}
	return c.cursor
}

// attempt dials the stream once and reads frames until the transport
// fails or the connection is closed.
func (c *Conn) attempt() error {
	endpoint, err := Endpoint(c.cfg.BaseURL, c.cfg.Token, c.key, c.resumeCursor())
	if err != nil {
		return fmt.Errorf("stream: build endpoint: %w", err)
	}

	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("stream: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		if c.ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("stream: connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: connect: unexpected status %d", resp.StatusCode)
	}

	c.cfg.Logger.Debug("stream connected",
		"scope", c.key.Scope,
		"subscriber", c.key.ID,
	)

	return c.read(resp)
}

// read parses SSE frames off the response body and delivers them.
func (c *Conn) read(resp *http.Response) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		kind Kind
		id   string
		data strings.Builder
	)

	dispatch := func() {
		if kind == "" && data.Len() == 0 {
			return
		}
		msg := Message{Kind: kind, ID: id}
		if data.Len() > 0 {
			msg.Data = []byte(data.String())
		}
		if msg.ID != "" {
			c.mu.Lock()
			c.lastID = msg.ID
			c.mu.Unlock()
		}
		c.deliver(msg)
		kind, id = "", ""
		data.Reset()
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		if line == "" {
			dispatch()
			continue
		}
		if strings.HasPrefix(line, ":") {
			// Heartbeat comment.
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			kind = Kind(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteString("\n")
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if c.ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream: read: %w", err)
	}
	return fmt.Errorf("stream: server closed connection")
}

// deliver sends a frame to the message channel, blocking until the
// consumer takes it or the connection is closed. Frames are never
// dropped: ordering and completeness matter more than backpressure
// here, and the consumer drains promptly into the coalescer.
func (c *Conn) deliver(msg Message) {
	select {
	case c.msgs <- msg:
	case <-c.ctx.Done():
	}
}

// reportError pushes a transport error for observability. If nobody is
// listening the report is dropped.
func (c *Conn) reportError(err error) {
	c.cfg.Logger.Warn("stream transport error",
		"scope", c.key.Scope,
		"subscriber", c.key.ID,
		"error", err,
	)
	select {
	case c.errs <- err:
	default:
	}
}

// Compile-time interface check.
var _ Connection = (*Conn)(nil)
