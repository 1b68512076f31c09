package deals

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

func (d *Database) CreateDeal(deal *types.Deal) error {
	return d.db.Create(deal).Error
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

func (d *Database) SaveDeal(deal *types.Deal) error {
	return d.db.Save(deal).Error
}

// CountLiveBids counts bids on a deal in any status other than WITHDRAWN.
// Any such bid freezes the deal's terms.
func (d *Database) CountLiveBids(dealID string) (int64, error) {
	var count int64
	err := d.db.Model(&types.Bid{}).
		Where("deal_id = ? AND status <> ?", dealID, types.BidStatusWithdrawn).
		Count(&count).Error
	return count, err
}

// Filter narrows deal listings. A zero filter returns everything.
type Filter struct {
	RequesterID string
	Statuses    []string
	Region      string
	DealType    string
}

func (d *Database) ListDeals(filter Filter) ([]types.Deal, error) {
	query := d.db.Model(&types.Deal{})

	if filter.RequesterID != "" {
		query = query.Where("requester_id = ?", filter.RequesterID)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.Region != "" {
		query = query.Where("region = ?", filter.Region)
	}
	if filter.DealType != "" {
		query = query.Where("deal_type = ?", filter.DealType)
	}

	var deals []types.Deal
	if err := query.Order("created_at DESC").Find(&deals).Error; err != nil {
		return nil, err
	}
	return deals, nil
}

// CountBidsForDeals returns per-deal bid counts for a set of deals in a
// single query.
func (d *Database) CountBidsForDeals(dealIDs []string) (map[string]int64, error) {
	counts := make(map[string]int64)
	if len(dealIDs) == 0 {
		return counts, nil
	}

	var rows []struct {
		DealID string
		Total  int64
	}
	err := d.db.Model(&types.Bid{}).
		Select("deal_id, count(*) as total").
		Where("deal_id IN ?", dealIDs).
		Group("deal_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		counts[row.DealID] = row.Total
	}
	return counts, nil
}

// GetConnectionByDeal retrieves the connection derived from a deal, if any.
func (d *Database) GetConnectionByDeal(dealID string) (*types.Connection, error) {
	var connection types.Connection
	if err := d.db.Where("deal_id = ?", dealID).First(&connection).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &connection, nil
}

// CancelDealCascade cancels a deal and rejects every still-open bid on it in
// a single transaction. The deal status is re-read inside the transaction so
// a concurrent acceptance cannot be overwritten.
func (d *Database) CancelDealCascade(dealID string) (*types.Deal, error) {
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
	if err := tx.Where("deal_id = ?", dealID).First(&deal).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewNotFoundError("deal %s not found", dealID)
		}
		return nil, err
	}

	if types.IsTerminalDealStatus(deal.Status) {
		tx.Rollback()
		return nil, types.NewConflictError("deal %s is already %s", dealID, deal.Status)
	}

	deal.Status = types.DealStatusCancelled
	deal.UpdatedAt = time.Now()
	if err := tx.Save(&deal).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	err := tx.Model(&types.Bid{}).
		Where("deal_id = ? AND status IN ?", dealID,
			[]string{types.BidStatusPending, types.BidStatusCountered}).
		Updates(map[string]interface{}{
			"status":     types.BidStatusRejected,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &deal, nil
}
