package bids

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

// Service owns the bid lifecycle and the acceptance resolver.
type Service struct {
	db       *Database
	notifier notify.Notifier
}

// NewService creates a new bids service with the given database connection
// and push notifier.
func NewService(gormDB *gorm.DB, notifier notify.Notifier) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		notifier: notifier,
	}
}

// SubmitBidInput carries a bidder's offer against a deal.
type SubmitBidInput struct {
	DealID  string       `json:"deal_id"`
	Offer   *types.Terms `json:"offer"`
	Message string       `json:"message"`
}

// SubmitBid places a new PENDING bid on a deal that is still accepting them.
// The offer shape must match the deal's type, and a bidder may hold at most
// one non-terminal bid per deal. The first bid advances the deal from OPEN
// to IN_NEGOTIATION.
func (s *Service) SubmitBid(bidderID, role string, input *SubmitBidInput) (*types.BidResponse, error) {
	if role != types.RoleBidder {
		return nil, types.NewPermissionError("only bidders can submit bids")
	}

	deal, err := s.db.GetDeal(input.DealID)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, types.NewNotFoundError("deal %s not found", input.DealID)
	}

	if err := types.ValidateTerms(deal.DealType, input.Offer); err != nil {
		return nil, err
	}
	offerJSON, err := input.Offer.ToJSON()
	if err != nil {
		return nil, err
	}

	bid := &types.Bid{
		BidID:     "BID_" + uuid.New().String(),
		DealID:    input.DealID,
		BidderID:  bidderID,
		Offer:     offerJSON,
		Message:   input.Message,
		Status:    types.BidStatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	deal, err = s.db.CreateBidForDeal(bid)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("bid_id", bid.BidID).
		Str("deal_id", bid.DealID).
		Str("bidder_id", bidderID).
		Msg("bid submitted")

	resp, err := types.NewBidResponse(bid)
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(deal.RequesterID, notify.Event{
		Type:    notify.EventNewBid,
		DealID:  deal.DealID,
		Payload: resp,
	})

	return resp, nil
}

// WithdrawBid retires the bidder's own bid. Only PENDING or COUNTERED bids
// can be withdrawn; WITHDRAWN is terminal.
func (s *Service) WithdrawBid(bidID, bidderID, role string) (*types.BidResponse, error) {
	bid, err := s.db.GetBid(bidID)
	if err != nil {
		return nil, err
	}
	if bid == nil {
		return nil, types.NewNotFoundError("bid %s not found", bidID)
	}

	if role != types.RoleBidder || bid.BidderID != bidderID {
		return nil, types.NewPermissionError("you can only withdraw your own bids")
	}
	if types.IsTerminalBidStatus(bid.Status) {
		return nil, types.NewConflictError("bid %s is %s and cannot be withdrawn", bidID, bid.Status)
	}

	bid.Status = types.BidStatusWithdrawn
	bid.UpdatedAt = time.Now()
	if err := s.db.SaveBid(bid); err != nil {
		return nil, err
	}

	log.Info().
		Str("bid_id", bidID).
		Str("bidder_id", bidderID).
		Msg("bid withdrawn")

	return types.NewBidResponse(bid)
}

// AcceptBid runs the acceptance resolver: the target bid becomes ACCEPTED,
// every sibling still in play becomes REJECTED, the deal closes, and the
// connection between the two parties is created, all in one transaction.
func (s *Service) AcceptBid(bidID, requesterID, role string) (*types.AcceptBidResponse, error) {
	if role != types.RoleRequester {
		return nil, types.NewPermissionError("only the deal's requester can accept a bid")
	}

	logger := log.With().
		Str("bid_id", bidID).
		Str("requester_id", requesterID).
		Str("service", "bids").
		Logger()

	bid, connection, err := s.db.AcceptBidCascade(bidID, requesterID)
	if err != nil {
		logger.Debug().Err(err).Msg("bid acceptance refused")
		return nil, err
	}

	logger.Info().
		Str("deal_id", bid.DealID).
		Str("connection_id", connection.ConnectionID).
		Str("bidder_id", bid.BidderID).
		Msg("bid accepted, deal closed, connection created")

	bidResp, err := types.NewBidResponse(bid)
	if err != nil {
		return nil, err
	}
	connResp, err := types.NewConnectionResponse(connection)
	if err != nil {
		return nil, err
	}

	result := &types.AcceptBidResponse{Bid: bidResp, Connection: connResp}

	s.notifier.Notify(bid.BidderID, notify.Event{
		Type:         notify.EventBidAccepted,
		DealID:       bid.DealID,
		ConnectionID: connection.ConnectionID,
		Payload:      result,
	})

	return result, nil
}

// RejectBid declines a bid on the requester's own deal. Only PENDING or
// COUNTERED bids can be rejected.
func (s *Service) RejectBid(bidID, requesterID, role string) (*types.BidResponse, error) {
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
	if role != types.RoleRequester || deal == nil || deal.RequesterID != requesterID {
		return nil, types.NewPermissionError("you can only reject bids on your own deals")
	}
	if types.IsTerminalBidStatus(bid.Status) {
		return nil, types.NewConflictError("bid %s is %s and cannot be rejected", bidID, bid.Status)
	}

	bid.Status = types.BidStatusRejected
	bid.UpdatedAt = time.Now()
	if err := s.db.SaveBid(bid); err != nil {
		return nil, err
	}

	log.Info().
		Str("bid_id", bidID).
		Str("deal_id", bid.DealID).
		Msg("bid rejected")

	resp, err := types.NewBidResponse(bid)
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(bid.BidderID, notify.Event{
		Type:    notify.EventBidRejected,
		DealID:  bid.DealID,
		Payload: resp,
	})

	return resp, nil
}

// GetBid returns one bid, visible only to its bidder or the deal's requester.
func (s *Service) GetBid(bidID, callerID, role string) (*types.BidResponse, error) {
	bid, err := s.db.GetBid(bidID)
	if err != nil {
		return nil, err
	}
	if bid == nil {
		return nil, types.NewNotFoundError("bid %s not found", bidID)
	}

	if err := s.canViewBid(bid, callerID, role); err != nil {
		return nil, err
	}
	return types.NewBidResponse(bid)
}

// canViewBid is the single visibility check for bid reads.
func (s *Service) canViewBid(bid *types.Bid, callerID, role string) error {
	switch role {
	case types.RoleBidder:
		if bid.BidderID != callerID {
			return types.NewPermissionError("you can only view your own bids")
		}
	case types.RoleRequester:
		deal, err := s.db.GetDeal(bid.DealID)
		if err != nil {
			return err
		}
		if deal == nil || deal.RequesterID != callerID {
			return types.NewPermissionError("you can only view bids on your own deals")
		}
	default:
		return types.NewPermissionError("unknown role %s", role)
	}
	return nil
}

// ListBidsByDeal returns the bids on a deal. The requester sees all of them;
// a bidder sees only their own.
func (s *Service) ListBidsByDeal(dealID, callerID, role string) ([]*types.BidResponse, error) {
	deal, err := s.db.GetDeal(dealID)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, types.NewNotFoundError("deal %s not found", dealID)
	}

	bidderScope := ""
	switch role {
	case types.RoleRequester:
		if deal.RequesterID != callerID {
			return nil, types.NewPermissionError("you can only view bids on your own deals")
		}
	case types.RoleBidder:
		bidderScope = callerID
	default:
		return nil, types.NewPermissionError("unknown role %s", role)
	}

	bidRecords, err := s.db.ListBidsByDeal(dealID, bidderScope)
	if err != nil {
		return nil, err
	}

	responses := make([]*types.BidResponse, 0, len(bidRecords))
	for i := range bidRecords {
		resp, err := types.NewBidResponse(&bidRecords[i])
		if err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

// GinHandlers contains HTTP handlers for bid endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for bid endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// SubmitBidHandler handles POST requests to place bids
// Requires a valid JWT token with the BIDDER role
func (h *GinHandlers) SubmitBidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input SubmitBidInput
		if err := c.ShouldBindJSON(&input); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		bid, err := h.service.SubmitBid(c.GetString("userID"), c.GetString("role"), &input)
		response.Handle(c, bid, err)
	}
}

// WithdrawBidHandler handles POST requests to withdraw a bid
// URL parameter: bid_id
func (h *GinHandlers) WithdrawBidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bid, err := h.service.WithdrawBid(c.Param("bid_id"), c.GetString("userID"), c.GetString("role"))
		response.Handle(c, bid, err)
	}
}

// AcceptBidHandler handles POST requests to accept a bid
// URL parameter: bid_id
func (h *GinHandlers) AcceptBidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.AcceptBid(c.Param("bid_id"), c.GetString("userID"), c.GetString("role"))
		response.Handle(c, result, err)
	}
}

// RejectBidHandler handles POST requests to reject a bid
// URL parameter: bid_id
func (h *GinHandlers) RejectBidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bid, err := h.service.RejectBid(c.Param("bid_id"), c.GetString("userID"), c.GetString("role"))
		response.Handle(c, bid, err)
	}
}

// GetBidHandler handles GET requests for a single bid
// URL parameter: bid_id
func (h *GinHandlers) GetBidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bid, err := h.service.GetBid(c.Param("bid_id"), c.GetString("userID"), c.GetString("role"))
		response.Handle(c, bid, err)
	}
}

// ListBidsByDealHandler handles GET requests for the bids on a deal
// URL parameter: deal_id
func (h *GinHandlers) ListBidsByDealHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bids, err := h.service.ListBidsByDeal(c.Param("deal_id"), c.GetString("userID"), c.GetString("role"))
		response.Handle(c, bids, err)
	}
}
