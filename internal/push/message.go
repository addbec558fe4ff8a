package push

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage is returned for frames that cannot be understood.
// Such frames are logged and skipped; the connection stays open.
var ErrMalformedMessage = errors.New("malformed push message")

// Command names used on the wire.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandUpdate      = "update"
)

// Message is one frame exchanged with the notification endpoint.
//
// Client to server: {"command":"subscribe","bugs":[1,2]}.
// Server to client: {"command":"update","bug":1,"when":"..."} and
// {"command":"subscribe","result":"ok","bugs":[1,2]}.
//
// When is kept raw since servers disagree on its format. The client refetches
// the bug regardless.
type Message struct {
	Command string          `json:"command"`
	Bugs    []int           `json:"bugs,omitempty"`
	Bug     int             `json:"bug,omitempty"`
	When    json.RawMessage `json:"when,omitempty"`
	Result  string          `json:"result,omitempty"`
}

// decode parses and validates a server frame.
func decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch m.Command {
	case CommandUpdate:
		if m.Bug <= 0 {
			return m, fmt.Errorf("%w: update without bug id", ErrMalformedMessage)
		}
	case CommandSubscribe, CommandUnsubscribe:
	default:
		return m, fmt.Errorf("%w: unknown command %q", ErrMalformedMessage, m.Command)
	}
	return m, nil
}
