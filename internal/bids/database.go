package bids

import (
	"errors"
	"time"

	"github.com/dealbridge/dealbridge-api/internal/types"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
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

func (d *Database) SaveBid(bid *types.Bid) error {
	return d.db.Save(bid).Error
}

func (d *Database) ListBidsByDeal(dealID, bidderID string) ([]types.Bid, error) {
	query := d.db.Where("deal_id = ?", dealID)
	if bidderID != "" {
		query = query.Where("bidder_id = ?", bidderID)
	}

	var bids []types.Bid
	if err := query.Order("created_at DESC").Find(&bids).Error; err != nil {
		return nil, err
	}
	return bids, nil
}

// CreateBidForDeal inserts a new bid and advances the deal out of OPEN in a
// single transaction. The deal status and the bidder's existing bids are
// re-checked inside the transaction so two submissions cannot slip past each
// other.
func (d *Database) CreateBidForDeal(bid *types.Bid) (*types.Deal, error) {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var deal types.Deal
	if err := tx.Where("deal_id = ?", bid.DealID).First(&deal).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewNotFoundError("deal %s not found", bid.DealID)
		}
		return nil, err
	}

	if deal.Status != types.DealStatusOpen && deal.Status != types.DealStatusInNegotiation {
		tx.Rollback()
		return nil, types.NewConflictError("deal %s is not accepting bids", bid.DealID)
	}

	var activeBids int64
	err := tx.Model(&types.Bid{}).
		Where("deal_id = ? AND bidder_id = ? AND status IN ?", bid.DealID, bid.BidderID,
			[]string{types.BidStatusPending, types.BidStatusCountered}).
		Count(&activeBids).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if activeBids > 0 {
		tx.Rollback()
		return nil, types.NewConflictError("you already have an active bid on deal %s", bid.DealID)
	}

	if err := tx.Create(bid).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if deal.Status == types.DealStatusOpen {
		deal.Status = types.DealStatusInNegotiation
		deal.UpdatedAt = time.Now()
		if err := tx.Save(&deal).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &deal, nil
}

// AcceptBidCascade is the acceptance resolver. Inside one transaction it
// re-reads the bid and its deal, verifies ownership and statuses, marks the
// bid ACCEPTED, rejects every sibling still in play, closes the deal, and
// creates the single connection between the two parties. Any failure rolls
// the whole transition back.
//
// Of two concurrent acceptances on sibling bids, the second re-reads the deal
// after the first committed, finds it no longer IN_NEGOTIATION, and fails
// with a conflict.
func (d *Database) AcceptBidCascade(bidID, requesterID string) (*types.Bid, *types.Connection, error) {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return nil, nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var bid types.Bid
	if err := tx.Where("bid_id = ?", bidID).First(&bid).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, types.NewNotFoundError("bid %s not found", bidID)
		}
		return nil, nil, err
	}

	var deal types.Deal
	if err := tx.Where("deal_id = ?", bid.DealID).First(&deal).Error; err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	if deal.RequesterID != requesterID {
		tx.Rollback()
		return nil, nil, types.NewPermissionError("you can only accept bids on your own deals")
	}
	if deal.Status != types.DealStatusInNegotiation {
		tx.Rollback()
		return nil, nil, types.NewConflictError("deal %s is %s and can no longer accept a bid", deal.DealID, deal.Status)
	}
	if types.IsTerminalBidStatus(bid.Status) {
		tx.Rollback()
		return nil, nil, types.NewConflictError("bid %s is %s and cannot be accepted", bidID, bid.Status)
	}

	now := time.Now()

	bid.Status = types.BidStatusAccepted
	bid.UpdatedAt = now
	if err := tx.Save(&bid).Error; err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	err := tx.Model(&types.Bid{}).
		Where("deal_id = ? AND bid_id <> ? AND status IN ?", deal.DealID, bidID,
			[]string{types.BidStatusPending, types.BidStatusCountered}).
		Updates(map[string]interface{}{
			"status":     types.BidStatusRejected,
			"updated_at": now,
		}).Error
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	deal.Status = types.DealStatusClosed
	deal.UpdatedAt = now
	if err := tx.Save(&deal).Error; err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	connection := &types.Connection{
		ConnectionID: "CONN_" + uuid.New().String(),
		DealID:       deal.DealID,
		BidID:        bid.BidID,
		RequesterID:  deal.RequesterID,
		BidderID:     bid.BidderID,
		FinalTerms:   bid.Offer,
		CreatedAt:    now,
	}
	if err := tx.Create(connection).Error; err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, nil, err
	}
	return &bid, connection, nil
}
