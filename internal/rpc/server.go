package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dense-identity/relaycall/internal/transport"
)

// Upstream executes relay methods on behalf of gateway clients.
type Upstream interface {
	Execute(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// subscriber holds one client's stream plus its single-writer queue.
type subscriber struct {
	id        string
	stream    RelaySubscribeServer
	sendQ     chan *structpb.Struct
	closeOnce sync.Once
}

func (s *subscriber) closeQ() { s.closeOnce.Do(func() { close(s.sendQ) }) }

// Server fans one upstream relay connection out to many gRPC subscribers
// and forwards their requests upstream.
type Server struct {
	upstream  Upstream
	log       logrus.FieldLogger
	queueSize int

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type ServerOption func(*Server)

func WithServerLogger(l logrus.FieldLogger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithQueueSize sets the per-subscriber buffer; events beyond it are dropped.
func WithQueueSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

func NewServer(upstream Upstream, opts ...ServerOption) *Server {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	s := &Server{
		upstream:  upstream,
		log:       quiet,
		queueSize: 128,
		subs:      make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribers returns the number of attached subscribers.
func (s *Server) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Execute forwards one request to the upstream relay.
func (s *Server) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in executeRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if in.Method == "" {
		return nil, status.Error(codes.InvalidArgument, "method is required")
	}

	var params any
	if len(in.Params) > 0 {
		params = in.Params
	}
	raw, err := s.upstream.Execute(ctx, in.Method, params)
	if err != nil {
		s.log.WithError(err).WithField("method", in.Method).Warn("[Gateway] Upstream execute failed")
		return nil, toStatus(err)
	}
	out, err := toStruct(raw)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "upstream result: %v", err)
	}
	return out, nil
}

// toStatus maps upstream failures onto gRPC codes.
func toStatus(err error) error {
	var rpcErr *transport.RPCError
	switch {
	case errors.As(err, &rpcErr):
		return status.Errorf(codes.FailedPrecondition, "%d: %s", rpcErr.Code, rpcErr.Message)
	case errors.Is(err, transport.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Subscribe attaches the caller to live delivery until it disconnects.
func (s *Server) Subscribe(req *structpb.Struct, stream RelaySubscribeServer) error {
	id := req.GetFields()["subscriber_id"].GetStringValue()
	if id == "" {
		id = uuid.NewString()
	}
	sub := &subscriber{
		id:     id,
		stream: stream,
		sendQ:  make(chan *structpb.Struct, s.queueSize),
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	s.log.WithField("subscriber", id).Info("[Gateway] Subscriber attached")

	errc := make(chan error, 1)
	go func() { errc <- s.writeLoop(sub) }()

	var err error
	select {
	case <-stream.Context().Done():
	case err = <-errc:
	}
	s.removeSubscriber(sub)
	s.log.WithField("subscriber", id).Info("[Gateway] Subscriber detached")
	return err
}

// writeLoop is the only goroutine that sends on sub's stream.
func (s *Server) writeLoop(sub *subscriber) error {
	for m := range sub.sendQ {
		if err := sub.stream.Send(m); err != nil {
			return err
		}
	}
	return nil
}

// removeSubscriber is idempotent.
func (s *Server) removeSubscriber(sub *subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
	sub.closeQ()
}

// Publish delivers n to every subscriber. Subscribers whose queue is full
// miss the event.
func (s *Server) Publish(n transport.Notification) error {
	msg, err := notificationToStruct(n)
	if err != nil {
		return err
	}

	s.mu.RLock()
	recipients := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		recipients = append(recipients, sub)
	}
	s.mu.RUnlock()

	for _, sub := range recipients {
		func(sb *subscriber) {
			defer func() { _ = recover() }() // queue closed by a concurrent detach
			select {
			case sb.sendQ <- msg:
			default:
				s.log.WithField("subscriber", sb.id).Warn("[Gateway] Subscriber queue full, dropping event")
			}
		}(sub)
	}
	return nil
}

// Forward publishes every notification from ch until it is closed or ctx
// is done.
func (s *Server) Forward(ctx context.Context, ch <-chan transport.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if err := s.Publish(n); err != nil {
				s.log.WithError(err).Warn("[Gateway] Failed to publish notification")
			}
		}
	}
}
