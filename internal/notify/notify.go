package notify

// Push event types delivered to connected parties.
const (
	EventNewBid         = "new_bid"
	EventBidAccepted    = "bid_accepted"
	EventBidRejected    = "bid_rejected"
	EventNewNegotiation = "new_negotiation"
	EventNewMessage     = "new_message"
)

// Event is the payload pushed to a party after a successful operation.
// Delivery is fire-and-forget: a failed push never rolls back the operation
// that produced it.
type Event struct {
	Type         string      `json:"type"`
	DealID       string      `json:"deal_id,omitempty"`
	ConnectionID string      `json:"connection_id,omitempty"`
	Payload      interface{} `json:"payload,omitempty"`
}

// Notifier delivers events to a user's live connections, if any.
type Notifier interface {
	Notify(userID string, event Event)
}
