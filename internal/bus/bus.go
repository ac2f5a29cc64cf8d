// Package bus is the local broadcast channel shared by views of the same
// participant. Messages are ephemeral: a subscription only sees what is
// published while it is open, and never its own publications.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"dispatchsync/internal/dispatch"
)

type MessageType string

const (
	StateUpdate      MessageType = "STATE_UPDATE"
	HeartbeatRequest MessageType = "HEARTBEAT_REQUEST"
)

var ErrClosed = errors.New("bus subscription closed")

// Message is the envelope carried on the bus.
type Message struct {
	Type     MessageType     `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
}

type Handler func(Message)

// Bus hands out subscriptions to one origin group.
type Bus interface {
	Subscribe(Handler) (Subscription, error)
}

// Subscription is a scoped registration. Publish delivers to every other open
// subscription of the group. Close must be called on teardown.
type Subscription interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

func NewStateUpdate(senderID string, snapshot dispatch.Snapshot) (Message, error) {
	payload, err := dispatch.Encode(snapshot)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: StateUpdate, Payload: json.RawMessage(payload), SenderID: senderID}, nil
}

func NewHeartbeatRequest(senderID string) Message {
	return Message{Type: HeartbeatRequest, Payload: json.RawMessage(`{}`), SenderID: senderID}
}

// Snapshot decodes the payload of a STATE_UPDATE message.
func (m Message) Snapshot() (dispatch.Snapshot, error) {
	if m.Type != StateUpdate {
		return dispatch.Snapshot{}, fmt.Errorf("message type %s carries no snapshot", m.Type)
	}
	return dispatch.Decode(string(m.Payload))
}
