package calling

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Broadcast events that carry calling notifications. Anything else on the
// bus belongs to another protocol and is ignored.
const (
	BroadcastRelay        = "relay"
	BroadcastQueuingRelay = "queuing.relay.events"
)

// Envelope is one raw notification as handed over by the bus.
type Envelope struct {
	Event  string          `json:"event"`
	Params json.RawMessage `json:"params"`
}

// Event is the generic calling event decoded from an envelope.
type Event struct {
	EventType    string          `json:"event_type"`
	EventChannel string          `json:"event_channel"`
	Timestamp    float64         `json:"timestamp"`
	ProjectID    string          `json:"project_id"`
	SpaceID      string          `json:"space_id"`
	Params       json.RawMessage `json:"params"`
}

// Topic is the category of a calling event.
type Topic string

const (
	TopicState   Topic = "state"
	TopicReceive Topic = "receive"
	TopicConnect Topic = "connect"
	TopicPlay    Topic = "play"
	TopicCollect Topic = "collect"
	TopicRecord  Topic = "record"
)

var topicsByEventType = map[string]Topic{
	"calling.call.state":   TopicState,
	"calling.call.receive": TopicReceive,
	"calling.call.connect": TopicConnect,
	"calling.call.play":    TopicPlay,
	"calling.call.collect": TopicCollect,
	"calling.call.record":  TopicRecord,
}

// Topic classifies the event type case-insensitively. ok is false for
// event types this package does not know about.
func (e *Event) Topic() (Topic, bool) {
	t, ok := topicsByEventType[strings.ToLower(strings.TrimSpace(e.EventType))]
	return t, ok
}

// decodeParams unmarshals the topic-specific payload of the event.
func (e *Event) decodeParams(v any) error {
	if len(e.Params) == 0 {
		return fmt.Errorf("%w: %s has no params", ErrDecode, e.EventType)
	}
	if err := json.Unmarshal(e.Params, v); err != nil {
		return fmt.Errorf("%w: %s params: %v", ErrDecode, e.EventType, err)
	}
	return nil
}

// StateParams is the payload of calling.call.state.
type StateParams struct {
	CallState       CallState `json:"call_state"`
	Direction       Direction `json:"direction"`
	Device          Device    `json:"device"`
	TemporaryCallID string    `json:"tag"`
	CallID          string    `json:"call_id"`
	NodeID          string    `json:"node_id"`
	EndReason       string    `json:"end_reason,omitempty"`
}

// ReceiveParams is the payload of calling.call.receive.
type ReceiveParams struct {
	CallState CallState `json:"call_state"`
	Context   string    `json:"context"`
	Direction Direction `json:"direction"`
	Device    Device    `json:"device"`
	CallID    string    `json:"call_id"`
	NodeID    string    `json:"node_id"`
	Tag       string    `json:"tag,omitempty"`
}

// ConnectPeer identifies the other leg of a connected call.
type ConnectPeer struct {
	CallID string `json:"call_id"`
	NodeID string `json:"node_id"`
	Tag    string `json:"tag,omitempty"`
	Device Device `json:"device"`
}

// ConnectParams is the payload of calling.call.connect.
type ConnectParams struct {
	State  ConnectState `json:"connect_state"`
	CallID string       `json:"call_id"`
	NodeID string       `json:"node_id"`
	Tag    string       `json:"tag,omitempty"`
	Peer   *ConnectPeer `json:"peer,omitempty"`
}

// PlayParams is the payload of calling.call.play.
type PlayParams struct {
	ControlID string    `json:"control_id"`
	CallID    string    `json:"call_id"`
	NodeID    string    `json:"node_id"`
	State     PlayState `json:"state"`
}

// CollectResultParams is the raw collect result; Params depends on Type.
type CollectResultParams struct {
	Type   CollectResultType `json:"type"`
	Params json.RawMessage   `json:"params,omitempty"`
}

// CollectParams is the payload of calling.call.collect.
type CollectParams struct {
	ControlID string              `json:"control_id"`
	CallID    string              `json:"call_id"`
	NodeID    string              `json:"node_id"`
	Result    CollectResultParams `json:"result"`
}

// RecordParams is the payload of calling.call.record.
type RecordParams struct {
	ControlID string          `json:"control_id"`
	CallID    string          `json:"call_id"`
	NodeID    string          `json:"node_id"`
	State     RecordState     `json:"state"`
	URL       string          `json:"url,omitempty"`
	Duration  float64         `json:"duration,omitempty"`
	Size      int64           `json:"size,omitempty"`
	Record    json.RawMessage `json:"record,omitempty"`
}
