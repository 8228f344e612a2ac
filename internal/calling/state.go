package calling

import "strings"

// CallState is the lifecycle state reported by the relay for a call.
type CallState string

const (
	StateNone     CallState = ""
	StateCreated  CallState = "created"
	StateRinging  CallState = "ringing"
	StateAnswered CallState = "answered"
	StateEnding   CallState = "ending"
	StateEnded    CallState = "ended"
)

// rank orders states so transitions can be checked for monotonicity.
// Unknown states rank with StateNone.
func (s CallState) rank() int {
	switch CallState(strings.ToLower(string(s))) {
	case StateCreated:
		return 1
	case StateRinging:
		return 2
	case StateAnswered:
		return 3
	case StateEnding:
		return 4
	case StateEnded:
		return 5
	default:
		return 0
	}
}

// Known reports whether s is one of the protocol-defined states.
func (s CallState) Known() bool {
	return s.rank() > 0
}

// IsTerminal returns true once the call can no longer change state.
func (s CallState) IsTerminal() bool {
	return s.rank() == StateEnded.rank()
}

func (s CallState) String() string {
	if s == StateNone {
		return "none"
	}
	return string(s)
}

// ConnectState is the state of a connect (bridge) attempt.
type ConnectState string

const (
	ConnectDisconnected ConnectState = "disconnected"
	ConnectConnecting   ConnectState = "connecting"
	ConnectConnected    ConnectState = "connected"
	ConnectFailed       ConnectState = "failed"
)

// PlayState is the state of a media playback.
type PlayState string

const (
	PlayPlaying  PlayState = "playing"
	PlayError    PlayState = "error"
	PlayFinished PlayState = "finished"
)

func (s PlayState) done() bool {
	return s == PlayError || s == PlayFinished
}

// RecordState is the state of a recording.
type RecordState string

const (
	RecordRecording RecordState = "recording"
	RecordNoInput   RecordState = "no_input"
	RecordFinished  RecordState = "finished"
)

func (s RecordState) done() bool {
	return s == RecordNoInput || s == RecordFinished
}

// CollectResultType classifies the outcome of a digit/speech collection.
type CollectResultType string

const (
	CollectResultError   CollectResultType = "error"
	CollectResultNoInput CollectResultType = "no_input"
	CollectResultNoMatch CollectResultType = "no_match"
	CollectResultDigit   CollectResultType = "digit"
	CollectResultSpeech  CollectResultType = "speech"
)

// Direction of a call relative to this consumer.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)
