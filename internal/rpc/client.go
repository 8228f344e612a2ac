package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dense-identity/relaycall/internal/transport"
)

var subscribeStreamDesc = &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}

// Client talks to a relay gateway. It implements the same Execute and
// Notifications surface as a direct relay connection.
type Client struct {
	conn         *grpc.ClientConn
	log          logrus.FieldLogger
	subscriberID string
	dialOpts     []grpc.DialOption

	notifications chan transport.Notification
	retryBackoff  []time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

type ClientOption func(*Client)

func WithClientLogger(l logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithSubscriberID names this client on the gateway.
func WithSubscriberID(id string) ClientOption {
	return func(c *Client) { c.subscriberID = id }
}

// WithDialOptions appends gRPC dial options, e.g. a bufconn dialer in tests.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// NewClient connects lazily to addr with TLS (system roots) or plaintext.
func NewClient(addr string, useTLS bool, opts ...ClientOption) (*Client, error) {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		log:           quiet,
		notifications: make(chan transport.Notification, 256),
		retryBackoff:  []time.Duration{0, 500 * time.Millisecond, 1 * time.Second, 2 * time.Second, 5 * time.Second},
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	var creds grpc.DialOption
	if useTLS {
		creds = grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))
	} else {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}
	kacp := keepalive.ClientParameters{
		Time:                30 * time.Second,
		Timeout:             10 * time.Second,
		PermitWithoutStream: true,
	}
	dialOpts := append([]grpc.DialOption{
		creds,
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(4*1024*1024),
			grpc.MaxCallSendMsgSize(4*1024*1024),
		),
	}, c.dialOpts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dialing gateway %s: %w", addr, err)
	}
	c.conn = conn
	return c, nil
}

// Execute forwards method to the relay through the gateway.
func (c *Client) Execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body := executeRequest{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s params: %w", method, err)
		}
		body.Params = raw
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := toStruct(raw)
	if err != nil {
		return nil, err
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, executeFullMethod, req, resp); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	out, err := protojson.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("%s: decoding result: %w", method, err)
	}
	return out, nil
}

// Receive asks the relay, through the gateway, for inbound calls on
// contexts.
func (c *Client) Receive(ctx context.Context, contexts []string) error {
	raw, err := c.Execute(ctx, transport.MethodReceive, map[string]any{"contexts": contexts})
	if err != nil {
		return err
	}
	var res struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decoding receive result: %w", err)
	}
	if res.Code != "" && res.Code != "200" {
		return fmt.Errorf("receive rejected with code %s: %s", res.Code, res.Message)
	}
	return nil
}

// Notifications returns relay broadcasts received from the gateway. It is
// closed after Close.
func (c *Client) Notifications() <-chan transport.Notification {
	return c.notifications
}

// Start begins the subscribe loop, reconnecting with backoff on transient
// failures.
func (c *Client) Start() {
	if c.closed.Load() {
		return
	}
	c.wg.Add(1)
	go c.subscribeLoop()
}

// Close stops the subscribe loop and closes the connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	return c.conn.Close()
}

func (c *Client) subscribeLoop() {
	defer c.wg.Done()
	defer close(c.notifications)

	backoffIdx := 0
	for {
		if c.ctx.Err() != nil {
			return
		}
		stream, err := c.openStream()
		if err != nil {
			if c.transient(err) && c.sleepBackoff(backoffIdx) {
				backoffIdx++
				continue
			}
			c.log.WithError(err).Error("[Gateway] Subscribe failed")
			return
		}
		backoffIdx = 0

		err = c.recvLoop(stream)
		if c.ctx.Err() != nil {
			return
		}
		c.log.WithError(err).Warn("[Gateway] Subscription lost, reconnecting")
		if !c.sleepBackoff(backoffIdx) {
			return
		}
		backoffIdx++
	}
}

func (c *Client) openStream() (grpc.ClientStream, error) {
	stream, err := c.conn.NewStream(c.ctx, subscribeStreamDesc, subscribeFullMethod)
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]any{"subscriber_id": c.subscriberID})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *Client) recvLoop(stream grpc.ClientStream) error {
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("gateway closed the stream")
			}
			return err
		}
		var n transport.Notification
		if err := fromStruct(msg, &n); err != nil {
			c.log.WithError(err).Warn("[Gateway] Failed to decode notification")
			continue
		}
		select {
		case c.notifications <- n:
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

func (c *Client) sleepBackoff(idx int) bool {
	if c.ctx.Err() != nil {
		return false
	}
	if idx >= len(c.retryBackoff) {
		idx = len(c.retryBackoff) - 1
	}
	select {
	case <-time.After(c.retryBackoff[idx]):
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) transient(err error) bool {
	if c.ctx.Err() != nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.Canceled, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
