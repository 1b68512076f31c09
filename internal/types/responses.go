package types

import (
	"encoding/json"
	"time"
)

// RedactedID replaces the requester's identity in bidder-facing reads until a
// bid is accepted.
const RedactedID = "REDACTED"

// DealResponse is the deal representation returned by the API.
type DealResponse struct {
	DealID      string    `json:"deal_id"`
	RequesterID string    `json:"requester_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	DealType    string    `json:"deal_type"`
	Region      string    `json:"region,omitempty"`
	Instruments []string  `json:"instruments,omitempty"`
	Terms       *Terms    `json:"terms"`
	Status      string    `json:"status"`
	BidCount    int64     `json:"bid_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BidResponse is the bid representation returned by the API.
type BidResponse struct {
	BidID     string    `json:"bid_id"`
	DealID    string    `json:"deal_id"`
	BidderID  string    `json:"bidder_id"`
	Offer     *Terms    `json:"offer"`
	Message   string    `json:"message,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type NegotiationResponse struct {
	NegotiationID string    `json:"negotiation_id"`
	DealID        string    `json:"deal_id"`
	BidID         string    `json:"bid_id"`
	ProposedBy    string    `json:"proposed_by"`
	ProposerRole  string    `json:"proposer_role"`
	Round         int       `json:"round"`
	Terms         *Terms    `json:"terms"`
	Message       string    `json:"message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type ConnectionResponse struct {
	ConnectionID string    `json:"connection_id"`
	DealID       string    `json:"deal_id"`
	BidID        string    `json:"bid_id"`
	RequesterID  string    `json:"requester_id"`
	BidderID     string    `json:"bidder_id"`
	FinalTerms   *Terms    `json:"final_terms"`
	UnreadCount  int64     `json:"unread_count"`
	CreatedAt    time.Time `json:"created_at"`
}

type MessageResponse struct {
	MessageID    string    `json:"message_id"`
	ConnectionID string    `json:"connection_id"`
	SenderID     string    `json:"sender_id"`
	Content      string    `json:"content"`
	IsRead       bool      `json:"is_read"`
	CreatedAt    time.Time `json:"created_at"`
}

// AcceptBidResponse carries the accepted bid together with the connection the
// acceptance derived.
type AcceptBidResponse struct {
	Bid        *BidResponse        `json:"bid"`
	Connection *ConnectionResponse `json:"connection"`
}

// ConnectionDetailResponse is the full view returned to a connection party:
// the connection, the originating deal and accepted bid, and the ordered
// message history.
type ConnectionDetailResponse struct {
	Connection *ConnectionResponse `json:"connection"`
	Deal       *DealResponse       `json:"deal"`
	Bid        *BidResponse        `json:"bid"`
	Messages   []MessageResponse   `json:"messages"`
}

// NewDealResponse builds the API view of a deal. When redact is set the
// requester identity is masked for anonymity.
func NewDealResponse(deal *Deal, redact bool) (*DealResponse, error) {
	terms, err := TermsFromJSON(deal.Terms)
	if err != nil {
		return nil, err
	}

	var instruments []string
	if len(deal.Instruments) > 0 {
		if err := json.Unmarshal(deal.Instruments, &instruments); err != nil {
			return nil, err
		}
	}

	requesterID := deal.RequesterID
	if redact {
		requesterID = RedactedID
	}

	return &DealResponse{
		DealID:      deal.DealID,
		RequesterID: requesterID,
		Title:       deal.Title,
		Description: deal.Description,
		DealType:    deal.DealType,
		Region:      deal.Region,
		Instruments: instruments,
		Terms:       terms,
		Status:      deal.Status,
		CreatedAt:   deal.CreatedAt,
		UpdatedAt:   deal.UpdatedAt,
	}, nil
}

func NewBidResponse(bid *Bid) (*BidResponse, error) {
	offer, err := TermsFromJSON(bid.Offer)
	if err != nil {
		return nil, err
	}

	return &BidResponse{
		BidID:     bid.BidID,
		DealID:    bid.DealID,
		BidderID:  bid.BidderID,
		Offer:     offer,
		Message:   bid.Message,
		Status:    bid.Status,
		CreatedAt: bid.CreatedAt,
		UpdatedAt: bid.UpdatedAt,
	}, nil
}

func NewNegotiationResponse(negotiation *Negotiation) (*NegotiationResponse, error) {
	terms, err := TermsFromJSON(negotiation.Terms)
	if err != nil {
		return nil, err
	}

	return &NegotiationResponse{
		NegotiationID: negotiation.NegotiationID,
		DealID:        negotiation.DealID,
		BidID:         negotiation.BidID,
		ProposedBy:    negotiation.ProposedBy,
		ProposerRole:  negotiation.ProposerRole,
		Round:         negotiation.Round,
		Terms:         terms,
		Message:       negotiation.Message,
		CreatedAt:     negotiation.CreatedAt,
	}, nil
}

func NewConnectionResponse(connection *Connection) (*ConnectionResponse, error) {
	finalTerms, err := TermsFromJSON(connection.FinalTerms)
	if err != nil {
		return nil, err
	}

	return &ConnectionResponse{
		ConnectionID: connection.ConnectionID,
		DealID:       connection.DealID,
		BidID:        connection.BidID,
		RequesterID:  connection.RequesterID,
		BidderID:     connection.BidderID,
		FinalTerms:   finalTerms,
		CreatedAt:    connection.CreatedAt,
	}, nil
}

func NewMessageResponse(message *Message) MessageResponse {
	return MessageResponse{
		MessageID:    message.MessageID,
		ConnectionID: message.ConnectionID,
		SenderID:     message.SenderID,
		Content:      message.Content,
		IsRead:       message.IsRead,
		CreatedAt:    message.CreatedAt,
	}
}
