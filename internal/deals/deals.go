package deals

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/dealbridge/dealbridge-api/internal/types"
	"github.com/dealbridge/dealbridge-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service owns the deal lifecycle: creation, term updates while no bid is
// live, cancellation with its bid cascade, and role-scoped listings.
type Service struct {
	db *Database
}

// NewService creates a new deals service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// CreateDealInput carries the requester's posted deal.
type CreateDealInput struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	DealType    string       `json:"deal_type"`
	Region      string       `json:"region"`
	Instruments []string     `json:"instruments"`
	Terms       *types.Terms `json:"terms"`
}

// UpdateDealInput carries a term revision for a deal that has no live bids.
type UpdateDealInput struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Region      string       `json:"region"`
	Instruments []string     `json:"instruments"`
	Terms       *types.Terms `json:"terms"`
}

// ListFilter is the caller-supplied slice of the deal listing query.
type ListFilter struct {
	Status     string
	Region     string
	DealType   string
	Instrument string
	Mine       bool
}

// canManageDeal is the single ownership check for requester-side mutations.
func canManageDeal(deal *types.Deal, callerID, callerRole string) error {
	if callerRole != types.RoleRequester {
		return types.NewPermissionError("only the requester may manage a deal")
	}
	if deal.RequesterID != callerID {
		return types.NewPermissionError("you can only manage your own deals")
	}
	return nil
}

// CreateDeal validates the terms against the deal type and stores a new OPEN
// deal owned by the requester.
func (s *Service) CreateDeal(requesterID, role string, input *CreateDealInput) (*types.DealResponse, error) {
	if role != types.RoleRequester {
		return nil, types.NewPermissionError("only requesters can post deals")
	}
	if strings.TrimSpace(input.Title) == "" {
		return nil, types.NewValidationError("title is required")
	}
	if err := types.ValidateDealType(input.DealType); err != nil {
		return nil, err
	}
	if err := types.ValidateTerms(input.DealType, input.Terms); err != nil {
		return nil, err
	}

	termsJSON, err := input.Terms.ToJSON()
	if err != nil {
		return nil, err
	}
	instrumentsJSON, err := json.Marshal(input.Instruments)
	if err != nil {
		return nil, err
	}

	deal := &types.Deal{
		DealID:      "DEAL_" + uuid.New().String(),
		RequesterID: requesterID,
		Title:       input.Title,
		Description: input.Description,
		DealType:    input.DealType,
		Region:      input.Region,
		Instruments: instrumentsJSON,
		Terms:       termsJSON,
		Status:      types.DealStatusOpen,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if err := s.db.CreateDeal(deal); err != nil {
		return nil, err
	}

	log.Info().
		Str("deal_id", deal.DealID).
		Str("requester_id", requesterID).
		Str("deal_type", deal.DealType).
		Msg("deal created")

	return types.NewDealResponse(deal, false)
}

// UpdateDeal revises a deal's terms. Only the owner may update, only while
// the deal is OPEN, and only while no bid beyond WITHDRAWN exists.
func (s *Service) UpdateDeal(dealID, requesterID, role string, input *UpdateDealInput) (*types.DealResponse, error) {
	deal, err := s.db.GetDeal(dealID)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, types.NewNotFoundError("deal %s not found", dealID)
	}

	if err := canManageDeal(deal, requesterID, role); err != nil {
		return nil, err
	}
	if deal.Status != types.DealStatusOpen {
		return nil, types.NewConflictError("deal %s is %s and can no longer be modified", dealID, deal.Status)
	}

	liveBids, err := s.db.CountLiveBids(dealID)
	if err != nil {
		return nil, err
	}
	if liveBids > 0 {
		return nil, types.NewConflictError("deal %s already has bids and can no longer be modified", dealID)
	}

	if input.Title != "" {
		deal.Title = input.Title
	}
	if input.Description != "" {
		deal.Description = input.Description
	}
	if input.Region != "" {
		deal.Region = input.Region
	}
	if input.Instruments != nil {
		instrumentsJSON, err := json.Marshal(input.Instruments)
		if err != nil {
			return nil, err
		}
		deal.Instruments = instrumentsJSON
	}
	if input.Terms != nil {
		if err := types.ValidateTerms(deal.DealType, input.Terms); err != nil {
			return nil, err
		}
		termsJSON, err := input.Terms.ToJSON()
		if err != nil {
			return nil, err
		}
		deal.Terms = termsJSON
	}
	deal.UpdatedAt = time.Now()

	if err := s.db.SaveDeal(deal); err != nil {
		return nil, err
	}

	log.Info().
		Str("deal_id", dealID).
		Str("requester_id", requesterID).
		Msg("deal updated")

	return types.NewDealResponse(deal, false)
}

// CancelDeal transitions a non-terminal deal to CANCELLED and rejects every
// still-open bid on it as a side effect of the same transaction.
func (s *Service) CancelDeal(dealID, requesterID, role string) (*types.DealResponse, error) {
	deal, err := s.db.GetDeal(dealID)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, types.NewNotFoundError("deal %s not found", dealID)
	}
	if err := canManageDeal(deal, requesterID, role); err != nil {
		return nil, err
	}

	cancelled, err := s.db.CancelDealCascade(dealID)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("deal_id", dealID).
		Str("requester_id", requesterID).
		Msg("deal cancelled, open bids rejected")

	return types.NewDealResponse(cancelled, false)
}

// GetDeal returns one deal scoped to the caller: requesters see only their
// own, bidders see an anonymized requester until their bid was accepted.
func (s *Service) GetDeal(dealID, callerID, role string) (*types.DealResponse, error) {
	deal, err := s.db.GetDeal(dealID)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, types.NewNotFoundError("deal %s not found", dealID)
	}

	if role == types.RoleRequester && deal.RequesterID != callerID {
		return nil, types.NewPermissionError("you can only view your own deals")
	}

	redact := false
	if role == types.RoleBidder {
		redact, err = s.shouldRedact(deal, callerID)
		if err != nil {
			return nil, err
		}
	}

	resp, err := types.NewDealResponse(deal, redact)
	if err != nil {
		return nil, err
	}

	count, err := s.db.CountLiveBids(dealID)
	if err != nil {
		return nil, err
	}
	resp.BidCount = count

	return resp, nil
}

// shouldRedact hides the requester identity from bidders until the deal is
// closed with this bidder on the resulting connection.
func (s *Service) shouldRedact(deal *types.Deal, bidderID string) (bool, error) {
	if deal.Status != types.DealStatusClosed {
		return true, nil
	}
	connection, err := s.db.GetConnectionByDeal(deal.DealID)
	if err != nil {
		return false, err
	}
	if connection == nil || connection.BidderID != bidderID {
		return true, nil
	}
	return false, nil
}

// ListDeals returns the role-appropriate deal listing. The bidder-facing
// default is restricted to deals still accepting bids, with the requester
// identity redacted.
func (s *Service) ListDeals(callerID, role string, filter ListFilter) ([]*types.DealResponse, error) {
	dbFilter := Filter{
		Region:   filter.Region,
		DealType: filter.DealType,
	}

	redact := false
	switch role {
	case types.RoleRequester:
		dbFilter.RequesterID = callerID
		if filter.Status != "" {
			dbFilter.Statuses = []string{filter.Status}
		}
	case types.RoleBidder:
		redact = true
		dbFilter.Statuses = []string{types.DealStatusOpen, types.DealStatusInNegotiation}
	default:
		return nil, types.NewPermissionError("unknown role %s", role)
	}

	dealRecords, err := s.db.ListDeals(dbFilter)
	if err != nil {
		return nil, err
	}

	dealIDs := make([]string, 0, len(dealRecords))
	for i := range dealRecords {
		dealIDs = append(dealIDs, dealRecords[i].DealID)
	}
	counts, err := s.db.CountBidsForDeals(dealIDs)
	if err != nil {
		return nil, err
	}

	responses := make([]*types.DealResponse, 0, len(dealRecords))
	for i := range dealRecords {
		deal := &dealRecords[i]
		if filter.Instrument != "" && !dealHasInstrument(deal, filter.Instrument) {
			continue
		}

		resp, err := types.NewDealResponse(deal, redact)
		if err != nil {
			return nil, err
		}
		resp.BidCount = counts[deal.DealID]
		responses = append(responses, resp)
	}
	return responses, nil
}

func dealHasInstrument(deal *types.Deal, instrument string) bool {
	var instruments []string
	if len(deal.Instruments) == 0 {
		return false
	}
	if err := json.Unmarshal(deal.Instruments, &instruments); err != nil {
		return false
	}
	for _, candidate := range instruments {
		if strings.EqualFold(candidate, instrument) {
			return true
		}
	}
	return false
}

// GinHandlers contains HTTP handlers for deal endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for deal endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateDealHandler handles POST requests to post new deals
// Requires a valid JWT token with the REQUESTER role
func (h *GinHandlers) CreateDealHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input CreateDealInput
		if err := c.ShouldBindJSON(&input); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		deal, err := h.service.CreateDeal(c.GetString("userID"), c.GetString("role"), &input)
		response.Handle(c, deal, err)
	}
}

// UpdateDealHandler handles PUT requests to revise a deal's terms
// URL parameter: deal_id
func (h *GinHandlers) UpdateDealHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input UpdateDealInput
		if err := c.ShouldBindJSON(&input); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		deal, err := h.service.UpdateDeal(c.Param("deal_id"), c.GetString("userID"), c.GetString("role"), &input)
		response.Handle(c, deal, err)
	}
}

// CancelDealHandler handles DELETE requests to cancel a deal
// URL parameter: deal_id
func (h *GinHandlers) CancelDealHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		deal, err := h.service.CancelDeal(c.Param("deal_id"), c.GetString("userID"), c.GetString("role"))
		response.Handle(c, deal, err)
	}
}

// GetDealHandler handles GET requests for a single deal
// URL parameter: deal_id
func (h *GinHandlers) GetDealHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		deal, err := h.service.GetDeal(c.Param("deal_id"), c.GetString("userID"), c.GetString("role"))
		response.Handle(c, deal, err)
	}
}

// ListDealsHandler handles GET requests for deal listings
// Optional query parameters: status, region, deal_type, instrument
func (h *GinHandlers) ListDealsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := ListFilter{
			Status:     c.Query("status"),
			Region:     c.Query("region"),
			DealType:   c.Query("deal_type"),
			Instrument: c.Query("instrument"),
		}

		deals, err := h.service.ListDeals(c.GetString("userID"), c.GetString("role"), filter)
		response.Handle(c, deals, err)
	}
}
