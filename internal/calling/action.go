package calling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// controlHandle correlates a client-side handle with one server-side
// operation on a call. Completion is monotonic and the result slot is
// written exactly once.
type controlHandle struct {
	call      *Call
	controlID string

	mu        sync.Mutex
	completed bool
	done      chan struct{}
}

func (h *controlHandle) bind(call *Call, controlID string) {
	h.call = call
	h.controlID = controlID
	h.done = make(chan struct{})
}

// ControlID returns the id the relay uses to correlate this operation.
func (h *controlHandle) ControlID() string { return h.controlID }

// Call returns the call the operation runs on.
func (h *controlHandle) Call() *Call { return h.call }

// Completed reports whether the operation reached a final state.
func (h *controlHandle) Completed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}

// Done is closed once the operation completes.
func (h *controlHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the operation completes or ctx is done.
func (h *controlHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish applies set and marks completion; it is a no-op once completed.
// Callers must hold h.mu.
func (h *controlHandle) finish(set func()) bool {
	if h.completed {
		return false
	}
	set()
	h.completed = true
	close(h.done)
	return true
}

type controlRequest struct {
	NodeID    string `json:"node_id"`
	CallID    string `json:"call_id"`
	ControlID string `json:"control_id"`
}

func (h *controlHandle) request() controlRequest {
	return controlRequest{NodeID: h.call.NodeID(), CallID: h.call.ID(), ControlID: h.controlID}
}

// stop asks the relay to stop the operation. It does not complete the
// handle; completion arrives with the next event for this control id.
func (h *controlHandle) stop(ctx context.Context, method string) error {
	var res resultHeader
	if err := h.call.svc.execute(ctx, method, h.request(), &res); err != nil {
		return err
	}
	return checkCode(method, res.Code, res.Message)
}

// MediaType is the kind of media a play request renders.
type MediaType string

const (
	MediaAudio   MediaType = "audio"
	MediaTTS     MediaType = "tts"
	MediaSilence MediaType = "silence"
)

// Media is one item of a play payload.
type Media struct {
	Type   MediaType   `json:"type"`
	Params MediaParams `json:"params"`
}

// MediaParams holds the parameters of every media type; unused fields are omitted.
type MediaParams struct {
	URL      string  `json:"url,omitempty"`
	Text     string  `json:"text,omitempty"`
	Language string  `json:"language,omitempty"`
	Gender   string  `json:"gender,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

func Audio(url string) Media { return Media{Type: MediaAudio, Params: MediaParams{URL: url}} }
func TTS(text string) Media { return Media{Type: MediaTTS, Params: MediaParams{Text: text}} }
func Silence(seconds float64) Media { return Media{Type: MediaSilence, Params: MediaParams{Duration: seconds}} }

// PlayResult is the final outcome of a playback.
type PlayResult struct {
	Successful bool
	State      PlayState
	Err        error
}

// PlayVolumeResult reports whether the relay accepted a volume change.
type PlayVolumeResult struct {
	Successful bool
}

// PlayAction is the handle of a media playback.
type PlayAction struct {
	controlHandle
	payload []Media
	state   PlayState
	result  PlayResult
}

func newPlayAction(call *Call, controlID string, payload []Media) *PlayAction {
	a := &PlayAction{payload: payload}
	a.bind(call, controlID)
	return a
}

// Payload returns the media the playback was started with.
func (a *PlayAction) Payload() []Media { return a.payload }

// State returns the last reported playback state.
func (a *PlayAction) State() PlayState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Result returns the final result; it is the zero value until Completed.
func (a *PlayAction) Result() PlayResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// Stop requests the relay to stop the playback. A non-success
// acknowledgement is returned as *ProtocolError.
func (a *PlayAction) Stop(ctx context.Context) error {
	return a.stop(ctx, methodPlayStop)
}

// Volume adjusts the playback volume. A rejected adjustment is reported
// through Successful=false; only transport failures are returned as errors.
func (a *PlayAction) Volume(ctx context.Context, volume float64) (PlayVolumeResult, error) {
	req := struct {
		controlRequest
		Volume float64 `json:"volume"`
	}{controlRequest: a.request(), Volume: volume}

	var res resultHeader
	if err := a.call.svc.execute(ctx, methodPlayVolume, req, &res); err != nil {
		return PlayVolumeResult{}, err
	}
	return PlayVolumeResult{Successful: res.Code == codeSuccess}, nil
}

func (a *PlayAction) update(state PlayState) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.completed {
		return false
	}
	a.state = state
	if !state.done() {
		return false
	}
	return a.finish(func() {
		a.result = PlayResult{Successful: state == PlayFinished, State: state}
	})
}

func (a *PlayAction) invalidate(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finish(func() {
		a.result = PlayResult{State: a.state, Err: err}
	})
}

// CollectDigits configures DTMF collection.
type CollectDigits struct {
	Max          int     `json:"max"`
	Terminators  string  `json:"terminators,omitempty"`
	DigitTimeout float64 `json:"digit_timeout,omitempty"`
}

// CollectSpeech configures speech recognition.
type CollectSpeech struct {
	EndSilenceTimeout float64  `json:"end_silence_timeout,omitempty"`
	SpeechTimeout     float64  `json:"speech_timeout,omitempty"`
	Language          string   `json:"language,omitempty"`
	Hints             []string `json:"hints,omitempty"`
}

// CollectSpec describes what a play-and-collect should gather.
type CollectSpec struct {
	InitialTimeout float64        `json:"initial_timeout,omitempty"`
	Digits         *CollectDigits `json:"digits,omitempty"`
	Speech         *CollectSpeech `json:"speech,omitempty"`
}

// CollectResult is the final outcome of a collection.
type CollectResult struct {
	Type       CollectResultType
	Successful bool
	Digits     string
	Terminator string
	Text       string
	Confidence float64
	Err        error
}

// CollectAction is the handle of a play-and-collect.
type CollectAction struct {
	controlHandle
	spec    CollectSpec
	payload []Media
	result  CollectResult
}

func newCollectAction(call *Call, controlID string, spec CollectSpec, payload []Media) *CollectAction {
	a := &CollectAction{spec: spec, payload: payload}
	a.bind(call, controlID)
	return a
}

// Spec returns the collect settings the action was started with.
func (a *CollectAction) Spec() CollectSpec { return a.spec }

// Result returns the final result; it is the zero value until Completed.
func (a *CollectAction) Result() CollectResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// Stop requests the relay to stop the collection.
func (a *CollectAction) Stop(ctx context.Context) error {
	return a.stop(ctx, methodPlayAndCollectStop)
}

// decode turns the raw relay result into a CollectResult. Digit and speech
// results must carry a well-formed payload.
func (res CollectResultParams) decode() (CollectResult, error) {
	out := CollectResult{Type: res.Type}
	switch res.Type {
	case CollectResultDigit, CollectResultSpeech:
		if len(res.Params) == 0 || string(res.Params) == "null" {
			return CollectResult{}, fmt.Errorf("%w: %s result without params", ErrDecode, res.Type)
		}
	}
	switch res.Type {
	case CollectResultDigit:
		var p struct {
			Digits     string `json:"digits"`
			Terminator string `json:"terminator"`
		}
		if err := json.Unmarshal(res.Params, &p); err != nil {
			return CollectResult{}, fmt.Errorf("%w: digit result: %v", ErrDecode, err)
		}
		out.Successful = true
		out.Digits, out.Terminator = p.Digits, p.Terminator
	case CollectResultSpeech:
		var p struct {
			Text       string  `json:"text"`
			Confidence float64 `json:"confidence"`
		}
		if err := json.Unmarshal(res.Params, &p); err != nil {
			return CollectResult{}, fmt.Errorf("%w: speech result: %v", ErrDecode, err)
		}
		out.Successful = true
		out.Text, out.Confidence = p.Text, p.Confidence
	}
	return out, nil
}

func (a *CollectAction) update(out CollectResult) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finish(func() { a.result = out })
}

func (a *CollectAction) invalidate(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finish(func() {
		a.result = CollectResult{Type: CollectResultError, Err: err}
	})
}

// RecordAudio configures an audio recording.
type RecordAudio struct {
	Beep              bool    `json:"beep,omitempty"`
	Format            string  `json:"format,omitempty"`
	Stereo            bool    `json:"stereo,omitempty"`
	Direction         string  `json:"direction,omitempty"`
	InitialTimeout    float64 `json:"initial_timeout,omitempty"`
	EndSilenceTimeout float64 `json:"end_silence_timeout,omitempty"`
	Terminators       string  `json:"terminators,omitempty"`
}

// RecordSpec describes a recording request.
type RecordSpec struct {
	Audio *RecordAudio `json:"audio,omitempty"`
}

// RecordResult is the final outcome of a recording.
type RecordResult struct {
	Successful bool
	State      RecordState
	URL        string
	Duration   float64
	Size       int64
	Err        error
}

// RecordAction is the handle of a recording.
type RecordAction struct {
	controlHandle
	spec   RecordSpec
	state  RecordState
	url    string
	result RecordResult
}

func newRecordAction(call *Call, controlID string, spec RecordSpec) *RecordAction {
	a := &RecordAction{spec: spec}
	a.bind(call, controlID)
	return a
}

// State returns the last reported recording state.
func (a *RecordAction) State() RecordState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// URL returns the recording location once the relay has reported it.
func (a *RecordAction) URL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.url
}

// Result returns the final result; it is the zero value until Completed.
func (a *RecordAction) Result() RecordResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// Stop requests the relay to stop the recording.
func (a *RecordAction) Stop(ctx context.Context) error {
	return a.stop(ctx, methodRecordStop)
}

func (a *RecordAction) update(p *RecordParams) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.completed {
		return false
	}
	a.state = p.State
	if p.URL != "" {
		a.url = p.URL
	}
	if !p.State.done() {
		return false
	}
	return a.finish(func() {
		a.result = RecordResult{
			Successful: p.State == RecordFinished,
			State:      p.State,
			URL:        a.url,
			Duration:   p.Duration,
			Size:       p.Size,
		}
	})
}

func (a *RecordAction) invalidate(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finish(func() {
		a.result = RecordResult{State: a.state, URL: a.url, Err: err}
	})
}
