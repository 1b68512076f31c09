package negotiations

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

func (d *Database) ListRounds(bidID string) ([]types.Negotiation, error) {
	var rounds []types.Negotiation
	if err := d.db.Where("bid_id = ?", bidID).Order("round ASC").Find(&rounds).Error; err != nil {
		return nil, err
	}
	return rounds, nil
}

// AppendRound stores a counter-offer round and moves the bid's current offer
// to the new snapshot, in one transaction. The bid status and the previous
// round's proposer are re-read inside the transaction, so two simultaneous
// proposals cannot both land: the alternation check sees whichever round
// committed first.
func (d *Database) AppendRound(round *types.Negotiation) (*types.Bid, error) {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var bid types.Bid
	if err := tx.Where("bid_id = ?", round.BidID).First(&bid).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewNotFoundError("bid %s not found", round.BidID)
		}
		return nil, err
	}

	if types.IsTerminalBidStatus(bid.Status) {
		tx.Rollback()
		return nil, types.NewConflictError("bid %s is %s and can no longer be negotiated", bid.BidID, bid.Status)
	}

	// The original bid is round 0, proposed by the bidder; it is not stored
	// as a negotiation record.
	lastProposer := bid.BidderID
	lastRound := 0

	var previous types.Negotiation
	err := tx.Where("bid_id = ?", round.BidID).Order("round DESC").First(&previous).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, err
	}
	if err == nil {
		lastProposer = previous.ProposedBy
		lastRound = previous.Round
	}

	if round.ProposedBy == lastProposer {
		tx.Rollback()
		return nil, types.NewConflictError("it is not your turn: the previous offer is also yours")
	}

	round.Round = lastRound + 1
	if err := tx.Create(round).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	bid.Offer = round.Terms
	bid.Status = types.BidStatusCountered
	bid.UpdatedAt = time.Now()
	if err := tx.Save(&bid).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &bid, nil
}
