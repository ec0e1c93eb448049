package server

// Command represents an incoming JSON command from a WebSocket client.
type Command struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// Message represents an outgoing JSON message sent to WebSocket clients.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// NewMessage creates a new structured Message for broadcasting to clients.
func NewMessage(msgType string, payload interface{}) Message {
	return Message{Type: msgType, Payload: payload}
}

// Outgoing message types.
const (
	MsgState         = "state"
	MsgSelection     = "selection"
	MsgLamps         = "lamps"
	MsgFrame         = "frame"
	MsgPatternList   = "pattern_list"
	MsgPatternStatus = "pattern_status"
	MsgPatternCode   = "pattern_code"
	MsgScheduleList  = "schedule_list"
	MsgMirrorStatus  = "mirror_status"
	MsgError         = "error"
)
