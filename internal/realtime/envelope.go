// Package realtime fans persisted chat events out to connected sockets,
// grouped into rooms named after conversation ids.
package realtime

import "encoding/json"

const (
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventSendMessage    = "sendMessage"
	EventNewMessage     = "newMessage"
	EventMessageDeleted = "messageDeleted"
	EventError          = "error"
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds a frame for event carrying data.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Publisher delivers a frame to every socket joined to room.
type Publisher interface {
	Publish(room string, frame []byte)
}
