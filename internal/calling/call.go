package calling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Listener signatures for per-call topics. Listeners run synchronously on
// the dispatching goroutine and must not block for long.
type (
	StateChangedFunc func(call *Call, previous CallState, params *StateParams)
	ReceivedFunc     func(call *Call, params *ReceiveParams)
	ConnectedFunc    func(call *Call, params *ConnectParams)
	PlayFunc         func(call *Call, action *PlayAction, params *PlayParams)
	CollectFunc      func(call *Call, action *CollectAction, params *CollectParams)
	RecordFunc       func(call *Call, action *RecordAction, params *RecordParams)
)

// Call is the session of one relay call. It is owned by the registry entry
// that indexes it.
type Call struct {
	svc *Service

	mu           sync.RWMutex
	id           string
	temporaryID  string
	nodeID       string
	device       DeviceParams
	direction    Direction
	state        CallState
	stateSeen    bool
	received     bool
	endReason    string
	context      string
	connectState ConnectState
	peer         *Call
	changed      chan struct{}
	createdAt    time.Time

	plays    map[string]*PlayAction
	collects map[string]*CollectAction
	records  map[string]*RecordAction

	onState   []StateChangedFunc
	onReceive []ReceivedFunc
	onConnect []ConnectedFunc
	onPlay    []PlayFunc
	onCollect []CollectFunc
	onRecord  []RecordFunc
}

func newCall(svc *Service, device DeviceParams) *Call {
	return &Call{
		svc:       svc,
		device:    device,
		changed:   make(chan struct{}),
		createdAt: time.Now(),
		plays:     make(map[string]*PlayAction),
		collects:  make(map[string]*CollectAction),
		records:   make(map[string]*RecordAction),
	}
}

// ID returns the permanent call id, empty until the relay assigns it.
func (c *Call) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// TemporaryID returns the client-generated tag of a locally created call.
func (c *Call) TemporaryID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.temporaryID
}

// NodeID returns the relay node serving the call.
func (c *Call) NodeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodeID
}

// Device returns the decoded device attributes.
func (c *Call) Device() DeviceParams {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device
}

// Phone returns the phone attributes when the call is a phone call.
func (c *Call) Phone() (PhoneDevice, bool) {
	p, ok := c.Device().(PhoneDevice)
	return p, ok
}

func (c *Call) Direction() Direction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.direction
}

// State returns the last observed lifecycle state.
func (c *Call) State() CallState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Call) EndReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endReason
}

// Context returns the routing context an inbound call was received on.
func (c *Call) Context() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.context
}

func (c *Call) ConnectState() ConnectState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectState
}

// Peer returns the call this call is connected to, if known.
func (c *Call) Peer() *Call {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer
}

// key is the registry key the call is currently reachable under.
func (c *Call) key() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.id != "" {
		return c.id
	}
	return c.temporaryID
}

// promote records the permanent identity of a call first known by its tag.
func (c *Call) promote(id, nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	if nodeID != "" {
		c.nodeID = nodeID
	}
}

// Snapshot is a point-in-time copy of a call's attributes.
type Snapshot struct {
	CallID       string       `json:"call_id"`
	TemporaryID  string       `json:"tag,omitempty"`
	NodeID       string       `json:"node_id,omitempty"`
	Device       DeviceKind   `json:"device,omitempty"`
	To           string       `json:"to,omitempty"`
	From         string       `json:"from,omitempty"`
	Direction    Direction    `json:"direction,omitempty"`
	State        CallState    `json:"state"`
	EndReason    string       `json:"end_reason,omitempty"`
	Context      string       `json:"context,omitempty"`
	ConnectState ConnectState `json:"connect_state,omitempty"`
	PeerID       string       `json:"peer_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

func (c *Call) Snapshot() Snapshot {
	c.mu.RLock()
	s := Snapshot{
		CallID:       c.id,
		TemporaryID:  c.temporaryID,
		NodeID:       c.nodeID,
		Direction:    c.direction,
		State:        c.state,
		EndReason:    c.endReason,
		Context:      c.context,
		ConnectState: c.connectState,
		CreatedAt:    c.createdAt,
	}
	if c.device != nil {
		s.Device = c.device.Kind()
	}
	if p, ok := c.device.(PhoneDevice); ok {
		s.To, s.From = p.ToNumber, p.FromNumber
	}
	peer := c.peer
	c.mu.RUnlock()
	if peer != nil {
		s.PeerID = peer.ID()
	}
	return s
}

// OnStateChanged registers a listener for lifecycle transitions.
func (c *Call) OnStateChanged(fn StateChangedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

// OnReceived registers a listener for the receive event of an inbound call.
func (c *Call) OnReceived(fn ReceivedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReceive = append(c.onReceive, fn)
}

func (c *Call) OnConnected(fn ConnectedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

func (c *Call) OnPlay(fn PlayFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPlay = append(c.onPlay, fn)
}

func (c *Call) OnCollect(fn CollectFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCollect = append(c.onCollect, fn)
}

func (c *Call) OnRecord(fn RecordFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRecord = append(c.onRecord, fn)
}

// WaitFor blocks until the call reaches state (or any later state) and
// returns the state it observed.
func (c *Call) WaitFor(ctx context.Context, state CallState) (CallState, error) {
	for {
		c.mu.RLock()
		cur, changed := c.state, c.changed
		c.mu.RUnlock()
		if c.stateReached(cur, state) {
			return cur, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

func (c *Call) stateReached(cur, want CallState) bool {
	return cur.Known() && cur.rank() >= want.rank()
}

// handleStateChanged applies a state event. Transitions back to an earlier
// stage are ignored and duplicates do not re-notify listeners.
func (c *Call) handleStateChanged(p *StateParams) {
	c.mu.Lock()
	prev := c.state
	if c.stateSeen && p.CallState.rank() < prev.rank() {
		c.mu.Unlock()
		c.svc.log.WithFields(logrus.Fields{
			"call_id": p.CallID,
			"current": prev.String(),
			"state":   p.CallState.String(),
		}).Debug("[Calling] Ignoring out-of-order state event")
		return
	}
	duplicate := c.stateSeen && p.CallState.rank() == prev.rank()
	c.stateSeen = true
	c.state = p.CallState
	if p.Direction != "" {
		c.direction = p.Direction
	}
	if p.EndReason != "" {
		c.endReason = p.EndReason
	}
	if c.nodeID == "" {
		c.nodeID = p.NodeID
	}
	if !duplicate {
		close(c.changed)
		c.changed = make(chan struct{})
	}
	listeners := append([]StateChangedFunc(nil), c.onState...)
	c.mu.Unlock()

	if p.CallState.IsTerminal() {
		c.invalidateActions(ErrCallEnded)
	}
	if duplicate {
		return
	}
	for _, fn := range listeners {
		fn(c, prev, p)
	}
}

// handleReceived applies a receive event; only the first one is surfaced.
func (c *Call) handleReceived(p *ReceiveParams) {
	c.mu.Lock()
	if c.received {
		c.mu.Unlock()
		return
	}
	c.received = true
	if c.context == "" {
		c.context = p.Context
	}
	if c.nodeID == "" {
		c.nodeID = p.NodeID
	}
	if p.Direction != "" {
		c.direction = p.Direction
	}
	listeners := append([]ReceivedFunc(nil), c.onReceive...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(c, p)
	}
}

func (c *Call) handleConnected(p *ConnectParams, peer *Call) {
	c.mu.Lock()
	c.connectState = p.State
	switch p.State {
	case ConnectConnected, ConnectConnecting:
		if peer != nil {
			c.peer = peer
		}
	default:
		c.peer = nil
	}
	listeners := append([]ConnectedFunc(nil), c.onConnect...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(c, p)
	}
}

func (c *Call) handlePlay(p *PlayParams) {
	c.mu.Lock()
	action, ok := c.plays[p.ControlID]
	// Completed actions stay tracked until the call ends so late events for
	// the same control id land on the same handle.
	if !ok {
		action = newPlayAction(c, p.ControlID, nil)
		c.plays[p.ControlID] = action
	}
	c.mu.Unlock()

	action.update(p.State)

	c.mu.RLock()
	listeners := append([]PlayFunc(nil), c.onPlay...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(c, action, p)
	}
}

func (c *Call) handleCollect(p *CollectParams, result CollectResult) {
	c.mu.Lock()
	action, ok := c.collects[p.ControlID]
	if !ok {
		action = newCollectAction(c, p.ControlID, CollectSpec{}, nil)
		c.collects[p.ControlID] = action
	}
	c.mu.Unlock()

	action.update(result)

	c.mu.RLock()
	listeners := append([]CollectFunc(nil), c.onCollect...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(c, action, p)
	}
}

func (c *Call) handleRecord(p *RecordParams) {
	c.mu.Lock()
	action, ok := c.records[p.ControlID]
	if !ok {
		action = newRecordAction(c, p.ControlID, RecordSpec{})
		c.records[p.ControlID] = action
	}
	c.mu.Unlock()

	action.update(p)

	c.mu.RLock()
	listeners := append([]RecordFunc(nil), c.onRecord...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(c, action, p)
	}
}

// invalidateActions completes every outstanding action with err.
func (c *Call) invalidateActions(err error) {
	c.mu.Lock()
	plays, collects, records := c.plays, c.collects, c.records
	c.plays = make(map[string]*PlayAction)
	c.collects = make(map[string]*CollectAction)
	c.records = make(map[string]*RecordAction)
	c.mu.Unlock()

	for _, a := range plays {
		a.invalidate(err)
	}
	for _, a := range collects {
		a.invalidate(err)
	}
	for _, a := range records {
		a.invalidate(err)
	}
}

// Discard drops the call from the registry without waiting for it to end.
// Outstanding actions are completed with ErrCallEnded.
func (c *Call) Discard() {
	c.invalidateActions(ErrCallEnded)
	c.svc.calls.removeCall(c)
}

func (c *Call) target() (callTarget, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.id == "" {
		return callTarget{}, ErrNoCallID
	}
	return callTarget{NodeID: c.nodeID, CallID: c.id}, nil
}

// Dial asks the relay to start a locally created call. The permanent id
// arrives later with the first state event carrying this call's tag.
func (c *Call) Dial(ctx context.Context) error {
	c.mu.RLock()
	tag, device := c.temporaryID, c.device
	c.mu.RUnlock()
	if tag == "" {
		return errors.New("dial: call was not created locally")
	}
	wire, err := encodeDevice(device)
	if err != nil {
		return err
	}
	var res beginResult
	if err := c.svc.execute(ctx, methodBegin, beginRequest{Tag: tag, Device: wire}, &res); err != nil {
		return err
	}
	return checkCode(methodBegin, res.Code, res.Message)
}

// Answer answers an inbound call.
func (c *Call) Answer(ctx context.Context) error {
	t, err := c.target()
	if err != nil {
		return err
	}
	var res resultHeader
	if err := c.svc.execute(ctx, methodAnswer, t, &res); err != nil {
		return err
	}
	return checkCode(methodAnswer, res.Code, res.Message)
}

// Hangup ends the call. The call leaves the registry once the relay
// reports the ended state.
func (c *Call) Hangup(ctx context.Context) error {
	t, err := c.target()
	if err != nil {
		return err
	}
	var res resultHeader
	if err := c.svc.execute(ctx, methodEnd, endRequest{callTarget: t, Reason: "hangup"}, &res); err != nil {
		return err
	}
	return checkCode(methodEnd, res.Code, res.Message)
}

// Connect bridges the call to the first of devices that answers.
func (c *Call) Connect(ctx context.Context, devices ...DeviceParams) error {
	t, err := c.target()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return errors.New("connect: no devices")
	}
	serial := make([][]Device, 0, len(devices))
	for _, d := range devices {
		wire, err := encodeDevice(d)
		if err != nil {
			return err
		}
		serial = append(serial, []Device{wire})
	}
	var res resultHeader
	if err := c.svc.execute(ctx, methodConnect, connectRequest{callTarget: t, Devices: serial}, &res); err != nil {
		return err
	}
	return checkCode(methodConnect, res.Code, res.Message)
}

// Play starts a playback and returns its handle. The handle is tracked
// before the request is sent so early events are not lost.
func (c *Call) Play(ctx context.Context, media ...Media) (*PlayAction, error) {
	t, err := c.target()
	if err != nil {
		return nil, err
	}
	action := newPlayAction(c, uuid.NewString(), media)
	c.mu.Lock()
	c.plays[action.controlID] = action
	c.mu.Unlock()

	req := playRequest{callTarget: t, ControlID: action.controlID, Play: media}
	var res resultHeader
	err = c.svc.execute(ctx, methodPlay, req, &res)
	if err == nil {
		err = checkCode(methodPlay, res.Code, res.Message)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.plays, action.controlID)
		c.mu.Unlock()
		return nil, err
	}
	return action, nil
}

// PlayAndCollect plays media while collecting digits or speech.
func (c *Call) PlayAndCollect(ctx context.Context, spec CollectSpec, media ...Media) (*CollectAction, error) {
	t, err := c.target()
	if err != nil {
		return nil, err
	}
	action := newCollectAction(c, uuid.NewString(), spec, media)
	c.mu.Lock()
	c.collects[action.controlID] = action
	c.mu.Unlock()

	req := playAndCollectRequest{callTarget: t, ControlID: action.controlID, Play: media, Collect: spec}
	var res resultHeader
	err = c.svc.execute(ctx, methodPlayAndCollect, req, &res)
	if err == nil {
		err = checkCode(methodPlayAndCollect, res.Code, res.Message)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.collects, action.controlID)
		c.mu.Unlock()
		return nil, err
	}
	return action, nil
}

// Record starts a recording.
func (c *Call) Record(ctx context.Context, spec RecordSpec) (*RecordAction, error) {
	t, err := c.target()
	if err != nil {
		return nil, err
	}
	action := newRecordAction(c, uuid.NewString(), spec)
	c.mu.Lock()
	c.records[action.controlID] = action
	c.mu.Unlock()

	req := recordRequest{callTarget: t, ControlID: action.controlID, Record: spec}
	var res recordResult
	err = c.svc.execute(ctx, methodRecord, req, &res)
	if err == nil {
		err = checkCode(methodRecord, res.Code, res.Message)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.records, action.controlID)
		c.mu.Unlock()
		return nil, err
	}
	if res.URL != "" {
		action.mu.Lock()
		if action.url == "" {
			action.url = res.URL
		}
		action.mu.Unlock()
	}
	return action, nil
}
