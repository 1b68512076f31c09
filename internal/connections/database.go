package connections

import (
	"errors"
	"time"

	"github.com/dealbridge/dealbridge-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetConnection(connectionID string) (*types.Connection, error) {
	var connection types.Connection
	if err := d.db.Where("connection_id = ?", connectionID).First(&connection).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &connection, nil
}

func (d *Database) GetDeal(dealID string) (*types.Deal, error) {
	var deal types.Deal
	if err := d.db.Where("deal_id = ?", dealID).First(&deal).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &deal, nil
}

func (d *Database) GetBid(bidID string) (*types.Bid, error) {
	var bid types.Bid
	if err := d.db.Where("bid_id = ?", bidID).First(&bid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &bid, nil
}

// ListConnectionsByParty returns every connection the user sits on, newest
// first.
func (d *Database) ListConnectionsByParty(userID, role string) ([]types.Connection, error) {
	query := d.db.Model(&types.Connection{})
	if role == types.RoleRequester {
		query = query.Where("requester_id = ?", userID)
	} else {
		query = query.Where("bidder_id = ?", userID)
	}

	var connections []types.Connection
	if err := query.Order("created_at DESC").Find(&connections).Error; err != nil {
		return nil, err
	}
	return connections, nil
}

// CountUnread counts messages on a connection sent by the other party and not
// yet read.
func (d *Database) CountUnread(connectionID, readerID string) (int64, error) {
	var count int64
	err := d.db.Model(&types.Message{}).
		Where("connection_id = ? AND sender_id <> ? AND is_read = ?", connectionID, readerID, false).
		Count(&count).Error
	return count, err
}

func (d *Database) ListMessages(connectionID string) ([]types.Message, error) {
	var messages []types.Message
	err := d.db.Where("connection_id = ?", connectionID).
		Order("created_at ASC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (d *Database) CreateMessage(message *types.Message) error {
	return d.db.Create(message).Error
}

// MarkMessagesRead flags every unread message from the other party as read.
// Re-running it is a no-op.
func (d *Database) MarkMessagesRead(connectionID, readerID string) (int64, error) {
	result := d.db.Model(&types.Message{}).
		Where("connection_id = ? AND sender_id <> ? AND is_read = ?", connectionID, readerID, false).
		Updates(map[string]interface{}{
			"is_read":    true,
			"updated_at": time.Now(),
		})
	return result.RowsAffected, result.Error
}
