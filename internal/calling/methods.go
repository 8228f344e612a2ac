package calling

// Relay calling methods.
const (
	methodBegin              = "calling.begin"
	methodAnswer             = "calling.answer"
	methodEnd                = "calling.end"
	methodConnect            = "calling.connect"
	methodPlay               = "calling.play"
	methodPlayStop           = "calling.play.stop"
	methodPlayVolume         = "calling.play.volume"
	methodPlayAndCollect     = "calling.play_and_collect"
	methodPlayAndCollectStop = "calling.play_and_collect.stop"
	methodRecord             = "calling.record"
	methodRecordStop         = "calling.record.stop"
)

// resultHeader is the acknowledgement every calling method replies with.
type resultHeader struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type callTarget struct {
	NodeID string `json:"node_id"`
	CallID string `json:"call_id"`
}

type beginRequest struct {
	Tag    string `json:"tag"`
	Device Device `json:"device"`
}

type beginResult struct {
	resultHeader
	CallID string `json:"call_id,omitempty"`
	NodeID string `json:"node_id,omitempty"`
}

type endRequest struct {
	callTarget
	Reason string `json:"reason"`
}

type connectRequest struct {
	callTarget
	Devices [][]Device `json:"devices"`
}

type playRequest struct {
	callTarget
	ControlID string  `json:"control_id"`
	Play      []Media `json:"play"`
}

type playAndCollectRequest struct {
	callTarget
	ControlID string      `json:"control_id"`
	Play      []Media     `json:"play"`
	Collect   CollectSpec `json:"collect"`
}

type recordRequest struct {
	callTarget
	ControlID string     `json:"control_id"`
	Record    RecordSpec `json:"record"`
}

type recordResult struct {
	resultHeader
	URL string `json:"url,omitempty"`
}
