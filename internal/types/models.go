package types

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Party roles carried in the session claims. Requesters post deals; bidders
// make offers against them. Identities stay anonymous to the other side until
// a bid is accepted.
const (
	RoleRequester = "REQUESTER"
	RoleBidder    = "BIDDER"
)

// Deal statuses. A deal only advances OPEN -> IN_NEGOTIATION -> CLOSED, or
// {OPEN, IN_NEGOTIATION} -> CANCELLED. CLOSED and CANCELLED are terminal.
const (
	DealStatusOpen          = "OPEN"
	DealStatusInNegotiation = "IN_NEGOTIATION"
	DealStatusClosed        = "CLOSED"
	DealStatusCancelled     = "CANCELLED"
)

// Bid statuses. ACCEPTED, REJECTED and WITHDRAWN are terminal; at most one
// bid per deal ever reaches ACCEPTED.
const (
	BidStatusPending   = "PENDING"
	BidStatusCountered = "COUNTERED"
	BidStatusAccepted  = "ACCEPTED"
	BidStatusRejected  = "REJECTED"
	BidStatusWithdrawn = "WITHDRAWN"
)

type Deal struct {
	gorm.Model  `json:"-"`
	DealID      string         `gorm:"uniqueIndex" json:"deal_id"`
	RequesterID string         `gorm:"index" json:"requester_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	DealType    string         `json:"deal_type"`
	Region      string         `json:"region"`
	Instruments datatypes.JSON `json:"instruments"`
	Terms       datatypes.JSON `json:"terms"`
	Status      string         `gorm:"index" json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type Bid struct {
	gorm.Model `json:"-"`
	BidID      string         `gorm:"uniqueIndex" json:"bid_id"`
	DealID     string         `gorm:"index" json:"deal_id"`
	BidderID   string         `gorm:"index" json:"bidder_id"`
	Offer      datatypes.JSON `json:"offer"`
	Message    string         `json:"message,omitempty"`
	Status     string         `gorm:"index" json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Negotiation is one counter-offer round against a bid. Rounds are
// append-only and numbered from 1; the original bid is round 0 and is not
// stored as a negotiation record.
type Negotiation struct {
	gorm.Model    `json:"-"`
	NegotiationID string         `gorm:"uniqueIndex" json:"negotiation_id"`
	DealID        string         `gorm:"index" json:"deal_id"`
	BidID         string         `gorm:"index" json:"bid_id"`
	ProposedBy    string         `json:"proposed_by"`
	ProposerRole  string         `json:"proposer_role"`
	Round         int            `json:"round"`
	Terms         datatypes.JSON `json:"terms"`
	Message       string         `json:"message,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Connection is the de-anonymized relationship created when a bid is
// accepted. The unique index on DealID enforces one connection per deal at
// the schema level as well.
type Connection struct {
	gorm.Model   `json:"-"`
	ConnectionID string         `gorm:"uniqueIndex" json:"connection_id"`
	DealID       string         `gorm:"uniqueIndex" json:"deal_id"`
	BidID        string         `gorm:"index" json:"bid_id"`
	RequesterID  string         `gorm:"index" json:"requester_id"`
	BidderID     string         `gorm:"index" json:"bidder_id"`
	FinalTerms   datatypes.JSON `json:"final_terms"`
	CreatedAt    time.Time      `json:"created_at"`
}

type Message struct {
	gorm.Model   `json:"-"`
	MessageID    string    `gorm:"uniqueIndex" json:"message_id"`
	ConnectionID string    `gorm:"index" json:"connection_id"`
	SenderID     string    `json:"sender_id"`
	Content      string    `json:"content"`
	IsRead       bool      `json:"is_read"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsTerminalDealStatus reports whether no further transition is allowed.
func IsTerminalDealStatus(status string) bool {
	return status == DealStatusClosed || status == DealStatusCancelled
}

// IsTerminalBidStatus reports whether the bid can no longer change.
func IsTerminalBidStatus(status string) bool {
	switch status {
	case BidStatusAccepted, BidStatusRejected, BidStatusWithdrawn:
		return true
	}
	return false
}
