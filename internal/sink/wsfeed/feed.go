// Package wsfeed broadcasts sink lines to websocket clients.
//
// A [Feed] is both a [sink.Sink] and an [http.Handler]: mount it on the HTTP
// server (e.g., at /feed) and every line written to it is sent to all
// connected clients as a text message. New clients first receive the most
// recent lines. A client that cannot keep up is disconnected rather than
// allowed to slow the producer down.
package wsfeed

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/earshot/internal/sink"
)

// Compile-time assertions.
var (
	_ sink.Sink    = (*Feed)(nil)
	_ http.Handler = (*Feed)(nil)
)

const (
	defaultBacklog      = 32
	defaultClientBuffer = 64
	defaultWriteTimeout = 5 * time.Second
)

// Option configures a Feed.
type Option func(*Feed)

// WithBacklog sets how many recent lines a new client receives on connect.
// Zero disables the backlog.
func WithBacklog(n int) Option {
	return func(f *Feed) { f.backlogSize = max(n, 0) }
}

// WithClientBuffer sets the per-client queue length. A client whose queue is
// full when a line arrives is dropped.
func WithClientBuffer(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.clientBuffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin clients matching the given host
// patterns (see websocket.AcceptOptions).
func WithOriginPatterns(patterns ...string) Option {
	return func(f *Feed) { f.origins = patterns }
}

// Feed fans lines out to websocket clients.
type Feed struct {
	backlogSize  int
	clientBuffer int
	origins      []string

	mu      sync.Mutex
	clients map[*client]struct{}
	backlog []string
	closed  bool
}

type client struct {
	lines chan string
	// kick is closed when the client is dropped for being slow or the feed
	// shuts down.
	kick     chan struct{}
	kickOnce sync.Once
}

func (c *client) drop() {
	c.kickOnce.Do(func() { close(c.kick) })
}

// New returns an empty Feed.
func New(opts ...Option) *Feed {
	f := &Feed{
		backlogSize:  defaultBacklog,
		clientBuffer: defaultClientBuffer,
		clients:      make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// WriteLine implements sink.Sink. It never blocks on a client.
func (f *Feed) WriteLine(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if f.backlogSize > 0 {
		f.backlog = append(f.backlog, text)
		if over := len(f.backlog) - f.backlogSize; over > 0 {
			f.backlog = append(f.backlog[:0], f.backlog[over:]...)
		}
	}
	for c := range f.clients {
		select {
		case c.lines <- text:
		default:
			slog.Warn("wsfeed: client too slow, disconnecting")
			delete(f.clients, c)
			c.drop()
		}
	}
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Close disconnects all clients and rejects new ones.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for c := range f.clients {
		delete(f.clients, c)
		c.drop()
	}
}

func (f *Feed) register() (*client, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false
	}
	c := &client{
		lines: make(chan string, f.clientBuffer+len(f.backlog)),
		kick:  make(chan struct{}),
	}
	for _, l := range f.backlog {
		c.lines <- l
	}
	f.clients[c] = struct{}{}
	return c, true
}

func (f *Feed) unregister(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, c)
}

// ServeHTTP upgrades the request to a websocket and streams lines until the
// client goes away, falls behind, or the feed is closed.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: f.origins,
	})
	if err != nil {
		slog.Debug("wsfeed: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c, ok := f.register()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "feed closed")
		return
	}
	defer f.unregister(c)
	slog.Debug("wsfeed: client connected", "remote", r.RemoteAddr)

	// Clients only listen; CloseRead handles pings and reports disconnects.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-c.kick:
			conn.Close(websocket.StatusPolicyViolation, "client too slow or feed closed")
			return
		case line := <-c.lines:
			if err := write(ctx, conn, line); err != nil {
				slog.Debug("wsfeed: write failed", "remote", r.RemoteAddr, "err", err)
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, line string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, []byte(line))
}
