package calling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type execCall struct {
	method string
	params json.RawMessage
}

// fakeExecutor records requests and answers with canned replies. Methods
// without a reply get a "200" acknowledgement.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []execCall
	replies map[string]string
	err     error
	hook    func(method string, params json.RawMessage)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{replies: make(map[string]string)}
}

func (f *fakeExecutor) Execute(_ context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, execCall{method: method, params: raw})
	reply, ok := f.replies[method]
	execErr, hook := f.err, f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(method, raw)
	}
	if execErr != nil {
		return nil, execErr
	}
	if !ok {
		reply = `{"code":"200","message":"OK"}`
	}
	return json.RawMessage(reply), nil
}

func (f *fakeExecutor) reply(method, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[method] = body
}

func (f *fakeExecutor) last(t *testing.T) execCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("executor was not called")
	}
	return f.calls[len(f.calls)-1]
}

func newTestService(t *testing.T, exec Executor, opts ...Option) (*Service, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	if exec == nil {
		exec = newFakeExecutor()
	}
	svc, err := New(exec, append([]Option{WithLogger(logger)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, hook
}

func countLevel(hook *test.Hook, level logrus.Level) int {
	n := 0
	for _, e := range hook.AllEntries() {
		if e.Level == level {
			n++
		}
	}
	return n
}

func phoneDeviceJSON(to, from string) Device {
	return Device{Type: DevicePhone, Params: json.RawMessage(`{"to_number":"` + to + `","from_number":"` + from + `","timeout":30}`)}
}

func relayEnvelope(t *testing.T, eventType string, params any) Envelope {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	body, err := json.Marshal(Event{
		EventType:    eventType,
		EventChannel: "signalwire_project.calling",
		Timestamp:    1557171270.123,
		ProjectID:    "project",
		SpaceID:      "space",
		Params:       raw,
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return Envelope{Event: BroadcastRelay, Params: body}
}

func stateEnvelope(t *testing.T, tag, callID string, state CallState) Envelope {
	return relayEnvelope(t, "calling.call.state", StateParams{
		CallState:       state,
		Direction:       DirectionInbound,
		Device:          phoneDeviceJSON("+15551230000", "+15559870000"),
		TemporaryCallID: tag,
		CallID:          callID,
		NodeID:          "node-1",
	})
}

// answeredCall puts an inbound call with a permanent id into svc.
func answeredCall(t *testing.T, svc *Service, callID string) *Call {
	t.Helper()
	svc.HandleNotification(stateEnvelope(t, "", callID, StateAnswered))
	call, ok := svc.Call(callID)
	if !ok {
		t.Fatalf("call %s not registered", callID)
	}
	return call
}
