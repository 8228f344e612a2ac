package calling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sirupsen/logrus"
)

// Executor runs one remote relay method and returns its raw result. It
// returns an error only when the request could not be completed; operation
// level failures travel in the result's code/message.
type Executor interface {
	Execute(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, method string, params any) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return f(ctx, method, params)
}

type (
	CallCreatedFunc  func(call *Call)
	CallReceivedFunc func(call *Call, params *ReceiveParams)
	EventFunc        func(event *Event)
)

// Service owns the call registry, the event demultiplexer and the
// application observers.
type Service struct {
	exec   Executor
	log    logrus.FieldLogger
	calls  *Registry
	schema *jsonschema.Schema
	newTag func() string

	mu       sync.RWMutex
	created  []CallCreatedFunc
	received []CallReceivedFunc
	events   []EventFunc
}

// Option configures a Service.
type Option func(*Service) error

// WithLogger sets the logger; the default discards everything.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) error {
		s.log = l
		return nil
	}
}

// WithSchemaValidation validates every calling event against the built-in
// JSON schema before it is dispatched.
func WithSchemaValidation() Option {
	return func(s *Service) error {
		schema, err := compileEventSchema()
		if err != nil {
			return err
		}
		s.schema = schema
		return nil
	}
}

// New creates a calling service on top of exec.
func New(exec Executor, opts ...Option) (*Service, error) {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	s := &Service{
		exec:   exec,
		log:    quiet,
		calls:  NewRegistry(),
		newTag: uuid.NewString,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Registry exposes the call registry.
func (s *Service) Registry() *Registry { return s.calls }

// Call returns the call tracked under id (permanent id or temporary tag).
func (s *Service) Call(id string) (*Call, bool) { return s.calls.Lookup(id) }

// Calls returns every tracked call.
func (s *Service) Calls() []*Call { return s.calls.Calls() }

// Reset forgets every call, e.g. after the relay session was re-established.
func (s *Service) Reset() { s.calls.Reset() }

// OnCallCreated registers an observer fired once per call, when it is
// created locally or first seen on the bus.
func (s *Service) OnCallCreated(fn CallCreatedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, fn)
}

// OnCallReceived registers an observer fired once per inbound call.
func (s *Service) OnCallReceived(fn CallReceivedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, fn)
}

// OnEvent registers a tap that sees every classified calling event before
// it is routed.
func (s *Service) OnEvent(fn EventFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, fn)
}

func (s *Service) fireCreated(call *Call) {
	s.mu.RLock()
	fns := append([]CallCreatedFunc(nil), s.created...)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(call)
	}
}

func (s *Service) fireReceived(call *Call, p *ReceiveParams) {
	s.mu.RLock()
	fns := append([]CallReceivedFunc(nil), s.received...)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(call, p)
	}
}

func (s *Service) fireEvent(ev *Event) {
	s.mu.RLock()
	fns := append([]EventFunc(nil), s.events...)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// NewPhoneCall creates an outbound phone call keyed by a fresh tag. The
// call is not dialed; use Dial or DialPhone.
func (s *Service) NewPhoneCall(to, from string, timeout int) *Call {
	call := newCall(s, PhoneDevice{ToNumber: to, FromNumber: from, Timeout: timeout})
	call.direction = DirectionOutbound
	for {
		call.temporaryID = s.newTag()
		if s.calls.Insert(call.temporaryID, call) {
			break
		}
		s.log.WithField("tag", call.temporaryID).Warn("[Calling] Outbound tag already tracked, regenerating")
	}

	s.log.WithFields(logrus.Fields{"tag": call.temporaryID, "to": to}).Debug("[Calling] Created outbound call")
	s.fireCreated(call)
	return call
}

// DialPhone creates and dials a phone call, then waits until it is answered
// or ends. The returned state tells which.
func (s *Service) DialPhone(ctx context.Context, to, from string, timeout int) (*Call, CallState, error) {
	call := s.NewPhoneCall(to, from, timeout)
	if err := call.Dial(ctx); err != nil {
		call.Discard()
		return nil, StateNone, err
	}
	state, err := call.WaitFor(ctx, StateAnswered)
	if err != nil {
		return call, state, fmt.Errorf("waiting for answer: %w", err)
	}
	return call, state, nil
}

// execute sends method through the executor and decodes its result.
func (s *Service) execute(ctx context.Context, method string, params, out any) error {
	raw, err := s.exec.Execute(ctx, method, params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decoding result: %w", method, err)
	}
	return nil
}
