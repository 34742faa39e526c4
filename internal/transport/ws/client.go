// Package ws implements transport.Client over a single websocket
// connection to the reference server.
//
// Requests are correlated by frame id on the shared connection. Live
// queries are served from a transport.Cache: a fetch stores its result
// under the sequence number taken when the fetch was issued, and mutation
// responses are folded into the cached results so watchers see them without
// a refetch. After Connect the client redials lazily when a request finds
// the connection gone, then re-subscribes and refetches every watch.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/transport"
)

// MaxFrameSize bounds a single frame. Full query results travel in one frame.
const MaxFrameSize = 8 << 20

// Options configures a Client.
type Options struct {
	// URL is the websocket endpoint, for example ws://localhost:8787/ws.
	URL string
	// Token is the bearer token sent in the hello frame.
	Token string
	// DeviceID is stamped on change events caused by this client.
	DeviceID string
	// DialTimeout bounds dial plus handshake (default: 10s).
	DialTimeout time.Duration
	// RequestTimeout bounds a request that has no context deadline (default: 15s).
	RequestTimeout time.Duration
	// HTTPClient is used for the websocket upgrade (default: http.DefaultClient).
	HTTPClient *http.Client
	// Logger defaults to stderr with a [ws] prefix.
	Logger *log.Logger
}

// Client is a websocket transport.Client. It is safe for concurrent use.
type Client struct {
	opts   Options
	logger *log.Logger
	cache  *transport.Cache

	// dialMu serializes connection attempts.
	dialMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	connCtx context.Context
	stop    context.CancelFunc
	wanted  bool
	user    *model.User
	nextID  uint64
	pending map[string]chan reply
	subs    map[*subscription]struct{}
	watches map[*watchHandle]struct{}

	wg sync.WaitGroup
}

var _ transport.Client = (*Client)(nil)

// reply is what a waiting request receives: a response frame, or the
// error that ended the connection first.
type reply struct {
	frame transport.Frame
	err   error
}

// New creates a disconnected client.
func New(opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[ws] ", log.LstdFlags)
	}
	return &Client{
		opts:    opts,
		logger:  opts.Logger,
		cache:   transport.NewCache(),
		pending: make(map[string]chan reply),
		subs:    make(map[*subscription]struct{}),
		watches: make(map[*watchHandle]struct{}),
	}
}

// User returns the account reported by the server's welcome, or nil.
func (c *Client) User() *model.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the server and performs the hello handshake. Subscriptions
// registered earlier are re-sent and every watch is refetched.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.wanted = true
	c.mu.Unlock()
	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("failed to dial %s: %w", c.opts.URL, transport.ErrUnauthorized)
		}
		return fmt.Errorf("failed to dial %s: %w: %v", c.opts.URL, transport.ErrOffline, err)
	}
	conn.SetReadLimit(MaxFrameSize)

	welcome, err := c.handshake(dialCtx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return err
	}

	connCtx, stop := context.WithCancel(context.Background())
	c.mu.Lock()
	if !c.wanted {
		// Disconnect won the race.
		c.mu.Unlock()
		stop()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("connection closed during handshake: %w", transport.ErrOffline)
	}
	c.conn = conn
	c.connCtx = connCtx
	c.stop = stop
	c.user = welcome.User
	topics := c.topicsLocked()
	watches := make([]*watchHandle, 0, len(c.watches))
	for w := range c.watches {
		watches = append(watches, w)
	}
	c.wg.Add(1 + len(watches))
	c.mu.Unlock()

	go c.readLoop(connCtx, conn)

	c.logger.Printf("Connected to %s (protocol %s)", c.opts.URL, welcome.Version)

	if len(topics) > 0 {
		if err := c.send(ctx, conn, transport.Frame{Type: transport.FrameSubscribe, Topics: topics}); err != nil {
			c.logger.Printf("WARNING: failed to restore subscriptions: %v", err)
		}
	}
	for _, w := range watches {
		go func() {
			defer c.wg.Done()
			if err := c.fetch(connCtx, w.query); err != nil && connCtx.Err() == nil {
				c.logger.Printf("WARNING: refetch of %s after connect failed: %v", w.query, err)
			}
		}()
	}
	return nil
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (transport.Frame, error) {
	hello := transport.Frame{
		Type:     transport.FrameHello,
		Token:    c.opts.Token,
		DeviceID: c.opts.DeviceID,
		Version:  transport.ProtocolVersion,
	}
	if err := c.send(ctx, conn, hello); err != nil {
		return transport.Frame{}, fmt.Errorf("failed to send hello: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		return transport.Frame{}, fmt.Errorf("failed to read welcome: %w: %v", transport.ErrOffline, err)
	}
	var f transport.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return transport.Frame{}, fmt.Errorf("%w: malformed welcome: %v", transport.ErrProtocol, err)
	}
	if f.Error != nil {
		return transport.Frame{}, fmt.Errorf("server rejected hello: %w", f.Error.Err())
	}
	if f.Type != transport.FrameWelcome {
		return transport.Frame{}, fmt.Errorf("%w: expected welcome, got %q", transport.ErrProtocol, f.Type)
	}
	if err := transport.CheckVersion(transport.ProtocolVersion, f.Version); err != nil {
		return transport.Frame{}, err
	}
	return f, nil
}

// Disconnect closes the connection and stops lazy redialing until the next
// Connect. Pending requests fail with ErrOffline.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.wanted = false
	conn, stop := c.conn, c.stop
	c.conn, c.stop, c.connCtx = nil, nil, nil
	c.failPendingLocked(transport.ErrOffline)
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil && !isClosed(err) {
			c.logger.Printf("WARNING: close: %v", err)
		}
		c.logger.Printf("Disconnected from %s", c.opts.URL)
	}
	if stop != nil {
		stop()
	}
	c.wg.Wait()
	return nil
}

// Request implements transport.Client.
func (c *Client) Request(ctx context.Context, op transport.Operation, vars any, out any) error {
	raw, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("%w: failed to encode %s variables: %v", transport.ErrInvalidInput, op, err)
	}

	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	c.mu.Lock()
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	replies := make(chan reply, 1)
	c.pending[id] = replies
	c.mu.Unlock()

	unregister := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.send(ctx, conn, transport.Frame{Type: transport.FrameRequest, ID: id, Op: op, Vars: raw}); err != nil {
		unregister()
		c.drop(conn, err)
		return fmt.Errorf("failed to send %s: %w: %v", op, transport.ErrOffline, err)
	}

	var f transport.Frame
	select {
	case r := <-replies:
		if r.err != nil {
			return fmt.Errorf("%s: %w", op, r.err)
		}
		f = r.frame
	case <-ctx.Done():
		unregister()
		return fmt.Errorf("%s: %w: %v", op, transport.ErrNetwork, ctx.Err())
	}

	if f.Error != nil {
		return f.Error.Err()
	}
	c.applyResponse(op, f.Data)
	if out != nil && len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, out); err != nil {
			return fmt.Errorf("%w: failed to decode %s response: %v", transport.ErrServer, op, err)
		}
	}
	return nil
}

// connection returns the open connection, redialing when Connect was called
// and the connection has since dropped.
func (c *Client) connection(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	conn, wanted := c.conn, c.wanted
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	if !wanted {
		return nil, transport.ErrOffline
	}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, transport.ErrOffline
	}
	return c.conn, nil
}

// applyResponse folds a successful mutation response into the query cache.
func (c *Client) applyResponse(op transport.Operation, data json.RawMessage) {
	if len(data) == 0 {
		return
	}
	switch op {
	case transport.OpCreateReminder, transport.OpUpdateReminder, transport.OpCompleteRem,
		transport.OpSnoozeReminder, transport.OpDismissRem:
		var r model.Reminder
		if err := json.Unmarshal(data, &r); err == nil {
			c.cache.UpsertReminder(r)
		}
	case transport.OpCreateList:
		var l model.ReminderList
		if err := json.Unmarshal(data, &l); err == nil {
			c.cache.UpsertList(l)
		}
	case transport.OpReorderLists:
		var ls []model.ReminderList
		if err := json.Unmarshal(data, &ls); err == nil {
			for _, l := range ls {
				c.cache.UpsertList(l)
			}
		}
	case transport.OpDeleteReminder, transport.OpDeleteList:
		var d model.DeletedEntity
		if err := json.Unmarshal(data, &d); err == nil && d.ID != "" {
			c.cache.Evict(d.ID)
		}
	}
}

// Evict implements transport.Client.
func (c *Client) Evict(entityID string) {
	c.cache.Evict(entityID)
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, f transport.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.drop(conn, err)
			return
		}

		var f transport.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Printf("WARNING: skipping malformed frame: %v", err)
			continue
		}

		switch f.Type {
		case transport.FrameResponse:
			c.mu.Lock()
			replies, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				replies <- reply{frame: f}
			}
		case transport.FrameEvent:
			if f.Event != nil {
				c.dispatch(*f.Event)
			}
		default:
			c.logger.Printf("WARNING: skipping unexpected %q frame", f.Type)
		}
	}
}

// drop forgets conn if it is still current. Requests waiting on it fail with
// ErrNetwork: they may or may not have been applied.
func (c *Client) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	stop := c.stop
	c.conn, c.stop, c.connCtx = nil, nil, nil
	c.failPendingLocked(transport.ErrNetwork)
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if !isClosed(cause) {
		c.logger.Printf("Connection lost: %v", cause)
	}
	_ = conn.CloseNow()
}

func (c *Client) failPendingLocked(err error) {
	for id, replies := range c.pending {
		replies <- reply{err: err}
		delete(c.pending, id)
	}
}

func isClosed(err error) bool {
	if err == nil {
		return true
	}
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
		errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed)
}
