package relay

import (
	"encoding/json"
	"nexus-relay/internal/storage"
)

// Event names shared by the gateway and the relay components
const (
	EventRegister        = "register"
	EventLogin           = "login"
	EventGetContacts     = "get_contacts"
	EventSearchUsers     = "search_users"
	EventGetHistory      = "get_history"
	EventUpdateProfile   = "update_profile"
	EventSendMessage     = "send_private_message"
	EventReceiveMessage  = "receive_private_message"
	EventMessageSent     = "message_sent_confirmation"
	EventAddReaction     = "add_reaction"
	EventReactionUpdated = "reaction_updated"
	EventTyping          = "typing"
	EventStopTyping      = "stop_typing"
	EventUsersUpdate     = "users_update"
	EventAck             = "ack"
	EventError           = "error"
)

// Conn is the send side of a client connection as seen by relay components.
// Send must not block on a slow peer.
type Conn interface {
	ID() string
	Send(event string, payload interface{}) error
}

// Directory resolves an identity to its live connection
type Directory interface {
	Lookup(identity string) (Conn, bool)
}

// ReactionUpdate is the payload of reaction_updated, always carrying the full map
type ReactionUpdate struct {
	MessageID int64             `json:"messageId"`
	Reactions storage.Reactions `json:"reactions"`
}

// SignalEnvelope is what the target of a call signal receives
type SignalEnvelope struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TypingNotice is relayed for typing and stop_typing
type TypingNotice struct {
	From string `json:"from"`
}
