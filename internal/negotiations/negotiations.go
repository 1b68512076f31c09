package negotiations

import (
	"time"

	"github.com/dealbridge/dealbridge-api/internal/notify"
	"github.com/dealbridge/dealbridge-api/internal/types"
	"github.com/dealbridge/dealbridge-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service owns the counter-offer state machine between a bid's two parties.
type Service struct {
	db       *Database
	notifier notify.Notifier
}

// NewService creates a new negotiations service with the given database
// connection and push notifier.
func NewService(gormDB *gorm.DB, notifier notify.Notifier) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		notifier: notifier,
	}
}

// AppendRoundInput carries one counter-offer proposal.
type AppendRoundInput struct {
	BidID   string       `json:"bid_id"`
	Terms   *types.Terms `json:"terms"`
	Message string       `json:"message"`
}

// AppendRound records a counter-offer round on a live bid. The proposer must
// be the deal's requester or the bid's bidder, proposers strictly alternate
// (the original bid counts as the bidder's round 0), and the proposed terms
// must match the deal's type. A successful round moves the bid to COUNTERED
// with the new terms as its current offer.
func (s *Service) AppendRound(proposerID, role string, input *AppendRoundInput) (*types.NegotiationResponse, error) {
	bid, err := s.db.GetBid(input.BidID)
	if err != nil {
		return nil, err
	}
	if bid == nil {
		return nil, types.NewNotFoundError("bid %s not found", input.BidID)
	}

	deal, err := s.db.GetDeal(bid.DealID)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, types.NewNotFoundError("deal %s not found", bid.DealID)
	}

	if err := canNegotiate(deal, bid, proposerID, role); err != nil {
		return nil, err
	}
	if err := types.ValidateTerms(deal.DealType, input.Terms); err != nil {
		return nil, err
	}
	termsJSON, err := input.Terms.ToJSON()
	if err != nil {
		return nil, err
	}

	round := &types.Negotiation{
		NegotiationID: "NEG_" + uuid.New().String(),
		DealID:        deal.DealID,
		BidID:         bid.BidID,
		ProposedBy:    proposerID,
		ProposerRole:  role,
		Terms:         termsJSON,
		Message:       input.Message,
		CreatedAt:     time.Now(),
	}

	bid, err = s.db.AppendRound(round)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("negotiation_id", round.NegotiationID).
		Str("bid_id", bid.BidID).
		Str("proposed_by", proposerID).
		Int("round", round.Round).
		Msg("negotiation round appended")

	resp, err := types.NewNegotiationResponse(round)
	if err != nil {
		return nil, err
	}

	// Notify the counterparty
	counterparty := deal.RequesterID
	if role == types.RoleRequester {
		counterparty = bid.BidderID
	}
	s.notifier.Notify(counterparty, notify.Event{
		Type:    notify.EventNewNegotiation,
		DealID:  deal.DealID,
		Payload: resp,
	})

	return resp, nil
}

// canNegotiate is the single party check for negotiation operations.
func canNegotiate(deal *types.Deal, bid *types.Bid, callerID, role string) error {
	switch role {
	case types.RoleRequester:
		if deal.RequesterID != callerID {
			return types.NewPermissionError("you can only negotiate on your own deals")
		}
	case types.RoleBidder:
		if bid.BidderID != callerID {
			return types.NewPermissionError("you can only negotiate on your own bids")
		}
	default:
		return types.NewPermissionError("unknown role %s", role)
	}
	return nil
}

// ListRounds returns a bid's negotiation history in round order, visible only
// to the two parties.
func (s *Service) ListRounds(bidID, callerID, role string) ([]*types.NegotiationResponse, error) {
	bid, err := s.db.GetBid(bidID)
	if err != nil {
		return nil, err
	}
	if bid == nil {
		return nil, types.NewNotFoundError("bid %s not found", bidID)
	}

	deal, err := s.db.GetDeal(bid.DealID)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, types.NewNotFoundError("deal %s not found", bid.DealID)
	}

	if err := canNegotiate(deal, bid, callerID, role); err != nil {
		return nil, err
	}

	rounds, err := s.db.ListRounds(bidID)
	if err != nil {
		return nil, err
	}

	responses := make([]*types.NegotiationResponse, 0, len(rounds))
	for i := range rounds {
		resp, err := types.NewNegotiationResponse(&rounds[i])
		if err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

// GinHandlers contains HTTP handlers for negotiation endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for negotiation endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// AppendRoundHandler handles POST requests to record a counter-offer
func (h *GinHandlers) AppendRoundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input AppendRoundInput
		if err := c.ShouldBindJSON(&input); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		round, err := h.service.AppendRound(c.GetString("userID"), c.GetString("role"), &input)
		response.Handle(c, round, err)
	}
}

// ListRoundsHandler handles GET requests for a bid's negotiation history
// URL parameter: bid_id
func (h *GinHandlers) ListRoundsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rounds, err := h.service.ListRounds(c.Param("bid_id"), c.GetString("userID"), c.GetString("role"))
		response.Handle(c, rounds, err)
	}
}
