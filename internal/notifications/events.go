package notifications

import "encoding/json"

// Realtime event names pushed to clients.
const (
	EventNewMessage         = "NEW_MESSAGE"
	EventMessageDeleted     = "MESSAGE_DELETED"
	EventUpdateLastMessage  = "UPDATE_LAST_MESSAGE"
	EventUnreadCountUpdated = "UNREAD_COUNT_UPDATED"
	EventMessageDelivered   = "MESSAGE_DELIVERED"
	EventMessageRead        = "MESSAGE_READ"
	EventGroupMemberUpdated = "GROUP_MEMBER_UPDATED"
	EventOnlineUsers        = "ONLINE_USERS"
	EventStartTyping        = "START_TYPING"
	EventStopTyping         = "STOP_TYPING"
	EventChatCleared        = "CHAT_CLEARED"
	EventRefetchChats       = "REFETCH_CHATS"
	EventNewRequest         = "NEW_REQUEST"
	EventAlert              = "ALERT"
)

// Client-originated frames accepted on the websocket.
const (
	InboundStartTyping   = "START_TYPING"
	InboundStopTyping    = "STOP_TYPING"
	InboundMarkRead      = "MARK_READ"
	InboundMarkDelivered = "MARK_DELIVERED"
)

// Envelope is the wire frame for every websocket message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals payload into an Envelope frame.
func Encode(event string, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: event, Payload: raw})
}

// Decode parses an inbound frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
