package connections

import (
	"math/rand"
	"strings"
	"time"

	"github.com/dealbridge/dealbridge-api/internal/notify"
	"github.com/dealbridge/dealbridge-api/internal/types"
	"github.com/dealbridge/dealbridge-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service owns the post-acceptance surface: the de-anonymized connection view
// and the message thread between its two parties.
type Service struct {
	db       *Database
	notifier notify.Notifier
}

// NewService creates a new connections service with the given database
// connection and push notifier.
func NewService(gormDB *gorm.DB, notifier notify.Notifier) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		notifier: notifier,
	}
}

// SendMessageInput carries one chat message for a connection thread.
type SendMessageInput struct {
	Content string `json:"content"`
}

// MarkReadResult reports how many messages a read receipt covered.
type MarkReadResult struct {
	MarkedRead int64 `json:"marked_read"`
}

// requireParty loads a connection and verifies the caller is one of its two
// parties.
func (s *Service) requireParty(connectionID, callerID string) (*types.Connection, error) {
	connection, err := s.db.GetConnection(connectionID)
	if err != nil {
		return nil, err
	}
	if connection == nil {
		return nil, types.NewNotFoundError("connection %s not found", connectionID)
	}
	if connection.RequesterID != callerID && connection.BidderID != callerID {
		return nil, types.NewPermissionError("you are not a party to connection %s", connectionID)
	}
	return connection, nil
}

// ListConnections returns the caller's connections, each with the count of
// messages from the other party still unread.
func (s *Service) ListConnections(callerID, role string) ([]*types.ConnectionResponse, error) {
	if role != types.RoleRequester && role != types.RoleBidder {
		return nil, types.NewPermissionError("unknown role %s", role)
	}

	connectionRecords, err := s.db.ListConnectionsByParty(callerID, role)
	if err != nil {
		return nil, err
	}

	responses := make([]*types.ConnectionResponse, 0, len(connectionRecords))
	for i := range connectionRecords {
		resp, err := types.NewConnectionResponse(&connectionRecords[i])
		if err != nil {
			return nil, err
		}
		unread, err := s.db.CountUnread(resp.ConnectionID, callerID)
		if err != nil {
			return nil, err
		}
		resp.UnreadCount = unread
		responses = append(responses, resp)
	}
	return responses, nil
}

// GetConnection returns the full connection view for one of its parties: the
// connection itself, the originating deal and accepted bid with both
// identities visible, and the ordered message history.
func (s *Service) GetConnection(connectionID, callerID string) (*types.ConnectionDetailResponse, error) {
	connection, err := s.requireParty(connectionID, callerID)
	if err != nil {
		return nil, err
	}

	connResp, err := types.NewConnectionResponse(connection)
	if err != nil {
		return nil, err
	}
	unread, err := s.db.CountUnread(connectionID, callerID)
	if err != nil {
		return nil, err
	}
	connResp.UnreadCount = unread

	deal, err := s.db.GetDeal(connection.DealID)
	if err != nil {
		return nil, err
	}
	bid, err := s.db.GetBid(connection.BidID)
	if err != nil {
		return nil, err
	}

	detail := &types.ConnectionDetailResponse{Connection: connResp}
	if deal != nil {
		dealResp, err := types.NewDealResponse(deal, false)
		if err != nil {
			return nil, err
		}
		detail.Deal = dealResp
	}
	if bid != nil {
		bidResp, err := types.NewBidResponse(bid)
		if err != nil {
			return nil, err
		}
		detail.Bid = bidResp
	}

	messageRecords, err := s.db.ListMessages(connectionID)
	if err != nil {
		return nil, err
	}
	messages := make([]types.MessageResponse, 0, len(messageRecords))
	for i := range messageRecords {
		messages = append(messages, types.NewMessageResponse(&messageRecords[i]))
	}
	detail.Messages = messages

	return detail, nil
}

// SendMessage appends a message to the connection thread and pushes it to the
// other party.
func (s *Service) SendMessage(connectionID, senderID string, input *SendMessageInput) (*types.MessageResponse, error) {
	connection, err := s.requireParty(connectionID, senderID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, types.NewValidationError("message content is required")
	}

	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	message := &types.Message{
		MessageID:    "MSG_" + ulid.MustNew(ulid.Now(), entropy).String(),
		ConnectionID: connectionID,
		SenderID:     senderID,
		Content:      input.Content,
		IsRead:       false,
		CreatedAt:    time.Now(),
	}
	if err := s.db.CreateMessage(message); err != nil {
		return nil, err
	}

	log.Info().
		Str("message_id", message.MessageID).
		Str("connection_id", connectionID).
		Str("sender_id", senderID).
		Msg("message sent")

	resp := types.NewMessageResponse(message)

	recipient := connection.RequesterID
	if senderID == connection.RequesterID {
		recipient = connection.BidderID
	}
	s.notifier.Notify(recipient, notify.Event{
		Type:         notify.EventNewMessage,
		DealID:       connection.DealID,
		ConnectionID: connectionID,
		Payload:      resp,
	})

	return &resp, nil
}

// MarkRead records a read receipt for every unread message from the other
// party. Calling it again with nothing unread marks zero rows.
func (s *Service) MarkRead(connectionID, readerID string) (*MarkReadResult, error) {
	if _, err := s.requireParty(connectionID, readerID); err != nil {
		return nil, err
	}

	marked, err := s.db.MarkMessagesRead(connectionID, readerID)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("connection_id", connectionID).
		Str("reader_id", readerID).
		Int64("marked_read", marked).
		Msg("messages marked read")

	return &MarkReadResult{MarkedRead: marked}, nil
}

// GinHandlers contains HTTP handlers for connection endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for connection endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListConnectionsHandler handles GET requests for the caller's connections
func (h *GinHandlers) ListConnectionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		connections, err := h.service.ListConnections(c.GetString("userID"), c.GetString("role"))
		response.Handle(c, connections, err)
	}
}

// GetConnectionHandler handles GET requests for a single connection
// URL parameter: connection_id
func (h *GinHandlers) GetConnectionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		detail, err := h.service.GetConnection(c.Param("connection_id"), c.GetString("userID"))
		response.Handle(c, detail, err)
	}
}

// SendMessageHandler handles POST requests to append a message to the thread
// URL parameter: connection_id
func (h *GinHandlers) SendMessageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input SendMessageInput
		if err := c.ShouldBindJSON(&input); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		message, err := h.service.SendMessage(c.Param("connection_id"), c.GetString("userID"), &input)
		response.Handle(c, message, err)
	}
}

// MarkReadHandler handles POST requests to record a read receipt
// URL parameter: connection_id
func (h *GinHandlers) MarkReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.MarkRead(c.Param("connection_id"), c.GetString("userID"))
		response.Handle(c, result, err)
	}
}
