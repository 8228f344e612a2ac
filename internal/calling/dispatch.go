package calling

import (
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"
)

// HandleNotification routes one bus envelope to the call it concerns. It
// never returns an error: malformed, unknown or misrouted events are logged
// and dropped without touching the registry.
func (s *Service) HandleNotification(env Envelope) {
	if env.Event != BroadcastRelay && env.Event != BroadcastQueuingRelay {
		return
	}

	if s.schema != nil {
		if err := validateEvent(s.schema, env.Params); err != nil {
			s.log.WithError(err).Warn("[Calling] Dropping invalid event")
			return
		}
	}

	var ev Event
	if err := json.Unmarshal(env.Params, &ev); err != nil {
		s.log.WithError(err).Warn("[Calling] Failed to decode event")
		return
	}
	if ev.EventType == "" {
		s.log.Warn("[Calling] Dropping event without event_type")
		return
	}

	topic, ok := ev.Topic()
	if !ok {
		s.log.WithField("event_type", ev.EventType).Debug("[Calling] Ignoring unknown event type")
		return
	}
	s.fireEvent(&ev)

	switch topic {
	case TopicState:
		s.dispatchState(&ev)
	case TopicReceive:
		s.dispatchReceive(&ev)
	case TopicConnect:
		s.dispatchConnect(&ev)
	case TopicPlay:
		s.dispatchPlay(&ev)
	case TopicCollect:
		s.dispatchCollect(&ev)
	case TopicRecord:
		s.dispatchRecord(&ev)
	}
}

func (s *Service) decodeFailed(ev *Event, err error) {
	s.log.WithError(err).WithField("event_type", ev.EventType).Warn("[Calling] Failed to decode event params")
}

// phoneDevice decodes a state/receive device. Unknown and unsupported
// kinds are logged below warning level.
func (s *Service) phoneDevice(ev *Event, d Device) (PhoneDevice, bool) {
	params, err := d.Decode()
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownDevice), errors.Is(err, ErrUnsupportedDevice):
		s.log.WithError(err).WithField("event_type", ev.EventType).Info("[Calling] Dropping event for unhandled device")
		return PhoneDevice{}, false
	default:
		s.decodeFailed(ev, err)
		return PhoneDevice{}, false
	}
	phone, ok := params.(PhoneDevice)
	if !ok {
		s.log.WithField("device", params.Kind()).Info("[Calling] Dropping event for unhandled device")
	}
	return phone, ok
}

func (s *Service) unknownCall(ev *Event, callID string, fields logrus.Fields) {
	s.log.WithFields(fields).WithFields(logrus.Fields{
		"event_type": ev.EventType,
		"call_id":    callID,
	}).Warn("[Calling] Event for unknown call")
}

func (s *Service) dispatchState(ev *Event) {
	var p StateParams
	if err := ev.decodeParams(&p); err != nil {
		s.decodeFailed(ev, err)
		return
	}
	if p.CallID == "" {
		s.decodeFailed(ev, ErrNoCallID)
		return
	}
	phone, ok := s.phoneDevice(ev, p.Device)
	if !ok {
		return
	}

	call, created := s.calls.ReconcileOrCreate(p.TemporaryCallID, p.CallID, p.NodeID, func() *Call {
		c := newCall(s, phone)
		c.id = p.CallID
		c.nodeID = p.NodeID
		c.direction = p.Direction
		// The first event seen for a call is not always "created".
		c.state = p.CallState
		return c
	})
	if created {
		s.log.WithFields(logrus.Fields{"call_id": p.CallID, "state": p.CallState.String()}).Debug("[Calling] New call")
		s.fireCreated(call)
	}

	call.handleStateChanged(&p)
	if p.CallState.IsTerminal() {
		s.calls.removeCall(call)
		s.log.WithFields(logrus.Fields{"call_id": p.CallID, "end_reason": p.EndReason}).Debug("[Calling] Call ended")
	}
}

func (s *Service) dispatchReceive(ev *Event) {
	var p ReceiveParams
	if err := ev.decodeParams(&p); err != nil {
		s.decodeFailed(ev, err)
		return
	}
	if p.CallID == "" {
		s.decodeFailed(ev, ErrNoCallID)
		return
	}
	phone, ok := s.phoneDevice(ev, p.Device)
	if !ok {
		return
	}

	call, created := s.calls.ReconcileOrCreate("", p.CallID, p.NodeID, func() *Call {
		c := newCall(s, phone)
		c.id = p.CallID
		c.nodeID = p.NodeID
		c.direction = DirectionInbound
		c.context = p.Context
		if p.CallState.Known() {
			c.state = p.CallState
		}
		return c
	})
	if created {
		s.log.WithFields(logrus.Fields{"call_id": p.CallID, "context": p.Context}).Debug("[Calling] Received call")
		s.fireCreated(call)
		s.fireReceived(call, &p)
	}

	call.handleReceived(&p)
}

func (s *Service) dispatchConnect(ev *Event) {
	var p ConnectParams
	if err := ev.decodeParams(&p); err != nil {
		s.decodeFailed(ev, err)
		return
	}
	call, ok := s.calls.Lookup(p.CallID)
	if !ok {
		s.unknownCall(ev, p.CallID, logrus.Fields{"connect_state": p.State})
		return
	}
	var peer *Call
	if p.Peer != nil && p.Peer.CallID != "" {
		peer, _ = s.calls.Lookup(p.Peer.CallID)
	}
	call.handleConnected(&p, peer)
}

func (s *Service) dispatchPlay(ev *Event) {
	var p PlayParams
	if err := ev.decodeParams(&p); err != nil {
		s.decodeFailed(ev, err)
		return
	}
	call, ok := s.calls.Lookup(p.CallID)
	if !ok {
		s.unknownCall(ev, p.CallID, logrus.Fields{"control_id": p.ControlID})
		return
	}
	call.handlePlay(&p)
}

func (s *Service) dispatchCollect(ev *Event) {
	var p CollectParams
	if err := ev.decodeParams(&p); err != nil {
		s.decodeFailed(ev, err)
		return
	}
	result, err := p.Result.decode()
	if err != nil {
		s.decodeFailed(ev, err)
		return
	}
	call, ok := s.calls.Lookup(p.CallID)
	if !ok {
		s.unknownCall(ev, p.CallID, logrus.Fields{"control_id": p.ControlID})
		return
	}
	call.handleCollect(&p, result)
}

func (s *Service) dispatchRecord(ev *Event) {
	var p RecordParams
	if err := ev.decodeParams(&p); err != nil {
		s.decodeFailed(ev, err)
		return
	}
	call, ok := s.calls.Lookup(p.CallID)
	if !ok {
		s.unknownCall(ev, p.CallID, logrus.Fields{"control_id": p.ControlID})
		return
	}
	call.handleRecord(&p)
}
