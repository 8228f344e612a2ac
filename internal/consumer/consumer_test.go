package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dense-identity/relaycall/internal/calling"
	"github.com/dense-identity/relaycall/internal/transport"
)

type fakeSession struct {
	mu       sync.Mutex
	methods  []string
	contexts []string
	notes    chan transport.Notification
	closed   bool
	rejectRx bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{notes: make(chan transport.Notification, 16)}
}

func (s *fakeSession) Execute(_ context.Context, method string, _ any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods = append(s.methods, method)
	return json.RawMessage(`{"code":"200","message":"OK"}`), nil
}

func (s *fakeSession) Notifications() <-chan transport.Notification { return s.notes }

func (s *fakeSession) Receive(_ context.Context, contexts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectRx {
		return errors.New("rejected")
	}
	s.contexts = contexts
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// connectorOf hands out the given sessions in order, then fails.
func connectorOf(sessions ...*fakeSession) (Connector, func() int) {
	var mu sync.Mutex
	n := 0
	return func(context.Context) (Session, error) {
			mu.Lock()
			defer mu.Unlock()
			if n >= len(sessions) {
				return nil, errors.New("no more sessions")
			}
			s := sessions[n]
			n++
			return s, nil
		}, func() int {
			mu.Lock()
			defer mu.Unlock()
			return n
		}
}

func receiveNote(callID string) transport.Notification {
	return transport.Notification{
		Event: calling.BroadcastRelay,
		Params: json.RawMessage(`{"event_type":"calling.call.receive","params":{"call_state":"created","context":"office","direction":"inbound","call_id":"` +
			callID + `","node_id":"n","device":{"type":"phone","params":{"to_number":"+15551230000","from_number":"+15559870000"}}}}`),
	}
}

var creds = &transport.Credentials{Project: "project", Token: "token"}

func fastBackoff() []time.Duration { return []time.Duration{time.Millisecond} }

func TestRunRequiresCredentials(t *testing.T) {
	connect, dials := connectorOf(newFakeSession())
	var setup, teardown bool
	c, err := New(connect, Options{Credentials: &transport.Credentials{Token: "t"}}, Hooks{
		Setup:    func(context.Context, *calling.Service) error { setup = true; return nil },
		Teardown: func() { teardown = true },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Run(context.Background()); !errors.Is(err, ErrMissingProject) {
		t.Fatalf("Run = %v, want ErrMissingProject", err)
	}
	if !setup || teardown {
		t.Fatalf("setup=%v teardown=%v, want setup only", setup, teardown)
	}
	if dials() != 0 {
		t.Fatal("connected without credentials")
	}

	c, _ = New(connect, Options{Credentials: &transport.Credentials{Project: "p"}}, Hooks{})
	if err := c.Run(context.Background()); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("Run = %v, want ErrMissingToken", err)
	}
}

func TestSetupFailureStopsRun(t *testing.T) {
	connect, dials := connectorOf(newFakeSession())
	teardown := false
	c, _ := New(connect, Options{Credentials: creds}, Hooks{
		Setup:    func(context.Context, *calling.Service) error { return errors.New("boom") },
		Teardown: func() { teardown = true },
	})
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected setup error")
	}
	if teardown || dials() != 0 {
		t.Fatalf("teardown=%v dials=%d", teardown, dials())
	}
}

func TestIncomingCallLifecycle(t *testing.T) {
	sess := newFakeSession()
	connect, _ := connectorOf(sess)

	ready := make(chan struct{})
	incoming := make(chan *calling.Call, 1)
	c, err := New(connect, Options{Credentials: creds, Contexts: []string{"office"}}, Hooks{
		Ready: func(context.Context, *calling.Service) { close(ready) },
		OnIncomingCall: func(ctx context.Context, call *calling.Call) {
			if err := call.Answer(ctx); err != nil {
				t.Errorf("Answer: %v", err)
			}
			incoming <- call
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("Ready never fired")
	}
	sess.mu.Lock()
	contexts := sess.contexts
	sess.mu.Unlock()
	if len(contexts) != 1 || contexts[0] != "office" {
		t.Fatalf("receive contexts = %v", contexts)
	}

	sess.notes <- receiveNote("P1")
	select {
	case call := <-incoming:
		if call.ID() != "P1" || call.Context() != "office" {
			t.Fatalf("incoming call = %s/%s", call.ID(), call.Context())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnIncomingCall never ran")
	}
	sess.mu.Lock()
	methods := append([]string(nil), sess.methods...)
	sess.mu.Unlock()
	if len(methods) != 1 || methods[0] != "calling.answer" {
		t.Fatalf("executed methods = %v", methods)
	}

	c.Stop()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if !sess.isClosed() {
		t.Fatal("session not closed")
	}
}

func TestReconnectResetsCalls(t *testing.T) {
	first, second := newFakeSession(), newFakeSession()
	connect, dials := connectorOf(first, second)

	readyCount := 0
	c, _ := New(connect, Options{Credentials: creds, Backoff: fastBackoff()}, Hooks{
		Ready: func(context.Context, *calling.Service) { readyCount++ },
	})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	first.notes <- receiveNote("P1")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := c.Service().Call("P1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("call never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(first.notes)
	deadline = time.Now().Add(2 * time.Second)
	for dials() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("consumer did not reconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	second.notes <- receiveNote("P2")
	deadline = time.Now().Add(2 * time.Second)
	for {
		if _, ok := c.Service().Call("P2"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second session not dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := c.Service().Call("P1"); ok {
		t.Fatal("calls from the lost session survived the reconnect")
	}

	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if readyCount != 1 {
		t.Fatalf("Ready fired %d times", readyCount)
	}
	if !first.isClosed() || !second.isClosed() {
		t.Fatal("sessions not closed")
	}
}

func TestRejectedReceiveRetries(t *testing.T) {
	bad, good := newFakeSession(), newFakeSession()
	bad.rejectRx = true
	connect, dials := connectorOf(bad, good)

	ready := make(chan struct{})
	c, _ := New(connect, Options{Credentials: creds, Contexts: []string{"office"}, Backoff: fastBackoff()}, Hooks{
		Ready: func(context.Context, *calling.Service) { close(ready) },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("Ready never fired")
	}
	if dials() != 2 || !bad.isClosed() {
		t.Fatalf("dials=%d bad closed=%v", dials(), bad.isClosed())
	}
}

func TestExecuteWithoutSession(t *testing.T) {
	connect, _ := connectorOf()
	c, _ := New(connect, Options{}, Hooks{})
	call := c.Service().NewPhoneCall("+1", "+2", 30)
	if err := call.Dial(context.Background()); !errors.Is(err, errNotConnected) {
		t.Fatalf("Dial = %v", err)
	}
}
