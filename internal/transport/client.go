package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	jsonrpcVersion = "2.0"

	MethodConnect   = "blade.connect"
	MethodBroadcast = "blade.broadcast"
	MethodPing      = "blade.ping"
	MethodReceive   = "signalwire.receive"
)

var ErrClosed = errors.New("relay connection closed")

// Notification is one broadcast pushed by the relay.
type Notification struct {
	Event   string          `json:"event"`
	Channel string          `json:"broadcast_channel,omitempty"`
	Params  json.RawMessage `json:"params"`
}

// RPCError is a JSON-RPC level failure returned by the relay.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("relay rpc error %d: %s", e.Code, e.Message)
}

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Credentials authenticate the consumer with the relay.
type Credentials struct {
	Project string `json:"project"`
	Token   string `json:"token"`
}

type Options struct {
	Addr        string
	Credentials Credentials
	// Timeout bounds a request when its context has no deadline.
	Timeout  time.Duration
	MaxFrame int
	// Buffer is the capacity of the notification channel.
	Buffer  int
	Logger  logrus.FieldLogger
	Verbose bool
}

type connectResult struct {
	SessionID string `json:"sessionid"`
	NodeID    string `json:"nodeid"`
}

// Client is a JSON-RPC 2.0 relay connection framed with netstrings. Replies
// are correlated to requests by id; broadcasts are surfaced on
// Notifications.
type Client struct {
	opts Options
	log  logrus.FieldLogger

	conn    net.Conn
	encoder *NetstringEncoder
	decoder *NetstringDecoder
	writeMu sync.Mutex

	notifications chan Notification
	errorChan     chan error

	pending   map[string]chan message
	pendingMu sync.Mutex

	sessionID atomic.Value
	closed    atomic.Bool
	readDone  chan struct{}
}

// NewClient creates an unconnected client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Client{
		opts:          opts,
		log:           log.WithField("relay", opts.Addr),
		notifications: make(chan Notification, opts.Buffer),
		errorChan:     make(chan error, 1),
		pending:       make(map[string]chan message),
		readDone:      make(chan struct{}),
	}
}

// Connect dials the relay and authenticates.
func (c *Client) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.opts.Addr)
	if err != nil {
		return fmt.Errorf("connecting to relay at %s: %w", c.opts.Addr, err)
	}
	c.conn = conn
	c.encoder = NewNetstringEncoder(conn)
	c.decoder = NewNetstringDecoder(conn, c.opts.MaxFrame)

	go c.readLoop()

	params := map[string]any{"version": map[string]int{"major": 2, "minor": 1}}
	if c.opts.Credentials.Project != "" {
		params["authentication"] = c.opts.Credentials
	}
	raw, err := c.call(ctx, MethodConnect, params)
	if err != nil {
		c.Close()
		return fmt.Errorf("authenticating: %w", err)
	}
	var res connectResult
	if err := json.Unmarshal(raw, &res); err != nil {
		c.Close()
		return fmt.Errorf("decoding connect result: %w", err)
	}
	c.sessionID.Store(res.SessionID)

	c.log.WithField("session_id", res.SessionID).Info("[Relay] Connected")
	return nil
}

// SessionID returns the id assigned by the relay on connect.
func (c *Client) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

// Notifications returns the broadcast channel. It is closed when the
// connection ends.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Errors reports the error that ended the connection, if any.
func (c *Client) Errors() <-chan error {
	return c.errorChan
}

// Done is closed once the read loop has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.readDone
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Execute runs a relay method and returns its raw result.
func (c *Client) Execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.call(ctx, method, params)
}

// Receive subscribes to inbound calls for contexts.
func (c *Client) Receive(ctx context.Context, contexts []string) error {
	raw, err := c.call(ctx, MethodReceive, map[string]any{"contexts": contexts})
	if err != nil {
		return err
	}
	var res struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("decoding receive result: %w", err)
		}
	}
	if res.Code != "" && res.Code != "200" {
		return fmt.Errorf("receive rejected with code %s: %s", res.Code, res.Message)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() || c.encoder == nil {
		return nil, ErrClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s params: %w", method, err)
	}
	req := message{JSONRPC: jsonrpcVersion, ID: uuid.NewString(), Method: method, Params: rawParams}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	respChan := make(chan message, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	if c.opts.Verbose {
		c.log.Debugf("[Relay] Sending: %s", data)
	}
	if err := c.write(data); err != nil {
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.readDone:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.encoder.Encode(data)
}

// readLoop demultiplexes replies and broadcasts until the connection ends.
func (c *Client) readLoop() {
	defer close(c.readDone)
	defer close(c.notifications)

	for {
		data, err := c.decoder.Decode()
		if err != nil {
			if !c.closed.Load() {
				c.errorChan <- fmt.Errorf("reading from relay: %w", err)
			}
			return
		}
		if c.opts.Verbose {
			c.log.Debugf("[Relay] Received: %s", data)
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warn("[Relay] Invalid JSON")
			continue
		}

		switch {
		case msg.Method == "" && msg.ID != "":
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			c.pendingMu.Unlock()
			if !ok {
				c.log.WithField("id", msg.ID).Debug("[Relay] Reply for unknown request")
				continue
			}
			select {
			case ch <- msg:
			default:
			}
		case msg.Method == MethodBroadcast:
			var n Notification
			if err := json.Unmarshal(msg.Params, &n); err != nil {
				c.log.WithError(err).Warn("[Relay] Failed to parse broadcast")
				continue
			}
			select {
			case c.notifications <- n:
			default:
				c.log.WithField("event", n.Event).Warn("[Relay] Notification channel full, dropping event")
			}
		case msg.Method == MethodPing && msg.ID != "":
			c.reply(msg.ID, msg.Params)
		default:
			c.log.WithField("method", msg.Method).Debug("[Relay] Ignoring server request")
		}
	}
}

func (c *Client) reply(id string, result json.RawMessage) {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	data, err := json.Marshal(message{JSONRPC: jsonrpcVersion, ID: id, Result: result})
	if err != nil {
		return
	}
	if err := c.write(data); err != nil {
		c.log.WithError(err).Warn("[Relay] Failed to answer ping")
	}
}
