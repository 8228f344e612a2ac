package calling

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func startPlay(t *testing.T) (*Service, *fakeExecutor, *PlayAction) {
	t.Helper()
	exec := newFakeExecutor()
	svc, _ := newTestService(t, exec)
	call := answeredCall(t, svc, "P1")
	play, err := call.Play(context.Background(), Audio("https://cdn.example.com/hold.mp3"), Silence(1.5))
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	return svc, exec, play
}

func TestPlayStopRejectedRaisesProtocolError(t *testing.T) {
	_, exec, play := startPlay(t)
	exec.reply(methodPlayStop, `{"code":"400","message":"control not found"}`)

	err := play.Stop(context.Background())
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Stop error = %v, want *ProtocolError", err)
	}
	if perr.Code != "400" || perr.Message != "control not found" || perr.Method != methodPlayStop {
		t.Fatalf("protocol error = %+v", perr)
	}
	if play.Completed() {
		t.Fatal("Stop completed the action locally")
	}

	var req controlRequest
	if err := json.Unmarshal(exec.last(t).params, &req); err != nil {
		t.Fatalf("decode stop request: %v", err)
	}
	if req.CallID != "P1" || req.NodeID != "node-1" || req.ControlID != play.ControlID() {
		t.Fatalf("stop request = %+v", req)
	}
}

func TestPlayVolumeRejectedReturnsUnsuccessful(t *testing.T) {
	_, exec, play := startPlay(t)
	exec.reply(methodPlayVolume, `{"code":"400","message":"bad volume"}`)

	res, err := play.Volume(context.Background(), 40)
	if err != nil {
		t.Fatalf("Volume returned error for rejected operation: %v", err)
	}
	if res.Successful {
		t.Fatal("rejected volume reported as successful")
	}

	var req struct {
		ControlID string  `json:"control_id"`
		Volume    float64 `json:"volume"`
	}
	if err := json.Unmarshal(exec.last(t).params, &req); err != nil {
		t.Fatalf("decode volume request: %v", err)
	}
	if req.ControlID != play.ControlID() || req.Volume != 40 {
		t.Fatalf("volume request = %+v", req)
	}

	exec.reply(methodPlayVolume, `{"code":"200","message":"OK"}`)
	res, err = play.Volume(context.Background(), -4)
	if err != nil || !res.Successful {
		t.Fatalf("Volume = %+v, %v", res, err)
	}
}

func TestPlayVolumeTransportFailureRaises(t *testing.T) {
	_, exec, play := startPlay(t)
	exec.err = errors.New("connection reset")

	if _, err := play.Volume(context.Background(), 10); err == nil {
		t.Fatal("expected transport failure")
	}
	err := play.Stop(context.Background())
	var perr *ProtocolError
	if err == nil || errors.As(err, &perr) {
		t.Fatalf("Stop transport error = %v", err)
	}
}

func TestPlayCompletesFromEvents(t *testing.T) {
	svc, _, play := startPlay(t)
	call := play.Call()
	var events []PlayState
	call.OnPlay(func(_ *Call, a *PlayAction, p *PlayParams) {
		if a != play {
			t.Errorf("listener got a different handle")
		}
		events = append(events, p.State)
	})

	send := func(state PlayState) {
		svc.HandleNotification(relayEnvelope(t, "calling.call.play", PlayParams{
			ControlID: play.ControlID(), CallID: "P1", NodeID: "node-1", State: state,
		}))
	}

	send(PlayPlaying)
	if play.Completed() || play.State() != PlayPlaying {
		t.Fatalf("after playing: completed=%v state=%s", play.Completed(), play.State())
	}
	send(PlayFinished)
	if !play.Completed() {
		t.Fatal("finished event did not complete the action")
	}
	select {
	case <-play.Done():
	default:
		t.Fatal("done channel not closed")
	}
	first := play.Result()
	if !first.Successful || first.State != PlayFinished {
		t.Fatalf("result = %+v", first)
	}

	send(PlayError)
	if play.Result() != first {
		t.Fatal("late event replaced the result")
	}
	if len(events) != 3 {
		t.Fatalf("listener saw %d events, want 3", len(events))
	}
	if len(play.Payload()) != 2 {
		t.Fatalf("payload = %+v", play.Payload())
	}
}

func TestPlayErrorIsUnsuccessful(t *testing.T) {
	svc, _, play := startPlay(t)
	svc.HandleNotification(relayEnvelope(t, "calling.call.play", PlayParams{ControlID: play.ControlID(), CallID: "P1", State: PlayError}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := play.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res := play.Result(); res.Successful || res.State != PlayError {
		t.Fatalf("result = %+v", res)
	}
}

func TestPlayRequestRejected(t *testing.T) {
	exec := newFakeExecutor()
	svc, _ := newTestService(t, exec)
	call := answeredCall(t, svc, "P1")
	exec.reply(methodPlay, `{"code":"500","message":"media unavailable"}`)

	if _, err := call.Play(context.Background(), TTS("hi")); err == nil {
		t.Fatal("expected error")
	}
	call.mu.RLock()
	tracked := len(call.plays)
	call.mu.RUnlock()
	if tracked != 0 {
		t.Fatalf("%d plays tracked after rejected request", tracked)
	}
}

func TestCollectDigits(t *testing.T) {
	exec := newFakeExecutor()
	svc, _ := newTestService(t, exec)
	call := answeredCall(t, svc, "P1")

	spec := CollectSpec{InitialTimeout: 5, Digits: &CollectDigits{Max: 4, Terminators: "#"}}
	collect, err := call.PlayAndCollect(context.Background(), spec, TTS("enter your pin"))
	if err != nil {
		t.Fatalf("PlayAndCollect: %v", err)
	}
	var req playAndCollectRequest
	if err := json.Unmarshal(exec.last(t).params, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.Collect.Digits == nil || req.Collect.Digits.Max != 4 || req.ControlID != collect.ControlID() {
		t.Fatalf("request = %+v", req)
	}

	svc.HandleNotification(relayEnvelope(t, "calling.call.collect", CollectParams{
		ControlID: collect.ControlID(),
		CallID:    "P1",
		Result: CollectResultParams{
			Type:   CollectResultDigit,
			Params: json.RawMessage(`{"digits":"1234","terminator":"#"}`),
		},
	}))

	if !collect.Completed() {
		t.Fatal("collect not completed")
	}
	res := collect.Result()
	if !res.Successful || res.Digits != "1234" || res.Terminator != "#" || res.Type != CollectResultDigit {
		t.Fatalf("result = %+v", res)
	}

	exec.reply(methodPlayAndCollectStop, `{"code":"404","message":"gone"}`)
	var perr *ProtocolError
	if err := collect.Stop(context.Background()); !errors.As(err, &perr) || perr.Code != "404" {
		t.Fatalf("Stop = %v", err)
	}
}

func TestCollectNoInput(t *testing.T) {
	svc, _ := newTestService(t, nil)
	call := answeredCall(t, svc, "P1")
	collect, err := call.PlayAndCollect(context.Background(), CollectSpec{Speech: &CollectSpeech{Language: "en-US"}})
	if err != nil {
		t.Fatalf("PlayAndCollect: %v", err)
	}
	svc.HandleNotification(relayEnvelope(t, "calling.call.collect", CollectParams{
		ControlID: collect.ControlID(), CallID: "P1", Result: CollectResultParams{Type: CollectResultNoInput},
	}))
	if res := collect.Result(); res.Successful || res.Type != CollectResultNoInput {
		t.Fatalf("result = %+v", res)
	}
}

func TestRecordLifecycle(t *testing.T) {
	exec := newFakeExecutor()
	svc, _ := newTestService(t, exec)
	call := answeredCall(t, svc, "P1")
	exec.reply(methodRecord, `{"code":"200","message":"Recording started","url":"https://rec.example.com/a.mp3"}`)

	rec, err := call.Record(context.Background(), RecordSpec{Audio: &RecordAudio{Beep: true, Format: "mp3"}})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.URL() != "https://rec.example.com/a.mp3" {
		t.Fatalf("url = %q", rec.URL())
	}

	send := func(p RecordParams) {
		p.ControlID, p.CallID = rec.ControlID(), "P1"
		svc.HandleNotification(relayEnvelope(t, "calling.call.record", p))
	}
	send(RecordParams{State: RecordRecording})
	if rec.Completed() || rec.State() != RecordRecording {
		t.Fatal("recording state not applied")
	}
	send(RecordParams{State: RecordFinished, Duration: 12.5, Size: 4096})
	res := rec.Result()
	if !res.Successful || res.Duration != 12.5 || res.Size != 4096 || res.URL != "https://rec.example.com/a.mp3" {
		t.Fatalf("result = %+v", res)
	}

	exec.reply(methodRecordStop, `{"code":"200","message":"OK"}`)
	if err := rec.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after completion: %v", err)
	}
	if rec.Result() != res {
		t.Fatal("result changed after stop")
	}
}

func TestEventForUntrackedControlCreatesHandle(t *testing.T) {
	svc, _ := newTestService(t, nil)
	call := answeredCall(t, svc, "P1")
	var got *RecordAction
	call.OnRecord(func(_ *Call, a *RecordAction, _ *RecordParams) { got = a })

	svc.HandleNotification(relayEnvelope(t, "calling.call.record", RecordParams{ControlID: "remote-1", CallID: "P1", State: RecordNoInput}))
	if got == nil || got.ControlID() != "remote-1" || !got.Completed() {
		t.Fatalf("handle = %+v", got)
	}
	if got.Result().Successful {
		t.Fatal("no_input reported as successful")
	}
}

func TestDiscardInvalidatesActions(t *testing.T) {
	svc, _, play := startPlay(t)
	play.Call().Discard()
	if !errors.Is(play.Result().Err, ErrCallEnded) {
		t.Fatalf("result = %+v", play.Result())
	}
	if svc.Registry().Len() != 0 {
		t.Fatal("discarded call still registered")
	}
}
