package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dense-identity/relaycall/internal/calling"
)

type recordingExec struct {
	mu      sync.Mutex
	methods []string
}

func (e *recordingExec) Execute(_ context.Context, method string, _ any) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.methods = append(e.methods, method)
	return json.RawMessage(`{"code":"200","message":"OK","control_id":"ctl-1"}`), nil
}

func (e *recordingExec) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.methods...)
}

func inboundCall(t *testing.T, svc *calling.Service, callID string) {
	t.Helper()
	raw := `{"event_type":"calling.call.state","params":{"call_state":"ringing","direction":"inbound","call_id":"` + callID +
		`","node_id":"n","device":{"type":"phone","params":{"to_number":"+15551230000","from_number":"+15559870000"}}}}`
	svc.HandleNotification(calling.Envelope{Event: calling.BroadcastRelay, Params: json.RawMessage(raw)})
	if _, ok := svc.Call(callID); !ok {
		t.Fatalf("call %s not tracked", callID)
	}
}

func TestRunCommand(t *testing.T) {
	exec := &recordingExec{}
	svc, err := calling.New(exec)
	if err != nil {
		t.Fatalf("calling.New: %v", err)
	}
	inboundCall(t, svc, "P1")
	ctx := context.Background()

	cases := []struct {
		line   []string
		quit   bool
		method string
	}{
		{[]string{"answer", "P1"}, false, "calling.answer"},
		{[]string{"play", "P1", "hello", "there"}, false, "calling.play"},
		{[]string{"hangup", "P1"}, false, "calling.end"},
		{[]string{"hangup", "P9"}, false, ""},
		{[]string{"list"}, false, ""},
		{[]string{"bogus"}, false, ""},
		{[]string{"quit"}, true, ""},
	}
	for _, tc := range cases {
		before := len(exec.seen())
		if quit := runCommand(ctx, svc, tc.line); quit != tc.quit {
			t.Fatalf("%v: quit = %v", tc.line, quit)
		}
		after := exec.seen()
		if tc.method == "" {
			if len(after) != before {
				t.Fatalf("%v: unexpected request %v", tc.line, after[before:])
			}
			continue
		}
		if len(after) != before+1 || after[before] != tc.method {
			t.Fatalf("%v: requests = %v, want %s", tc.line, after[before:], tc.method)
		}
	}
}

func TestDialCommandStartsCall(t *testing.T) {
	exec := &recordingExec{}
	svc, _ := calling.New(exec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runCommand(ctx, svc, []string{"dial", "+15551230000", "+15559870000", "20"})
	deadline := time.Now().Add(2 * time.Second)
	for len(exec.seen()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dial never sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := exec.seen()[0]; got != "calling.begin" {
		t.Fatalf("first request = %s", got)
	}
	if len(svc.Calls()) != 1 {
		t.Fatalf("tracked calls = %d", len(svc.Calls()))
	}
}
