package bids

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dealbridge/dealbridge-api/internal/database"
	"github.com/dealbridge/dealbridge-api/internal/notify"
	"github.com/dealbridge/dealbridge-api/internal/types"
	"gorm.io/gorm"
)

const (
	testRequester   = "USER_REQUESTER_1"
	testBidder      = "USER_BIDDER_1"
	testOtherBidder = "USER_BIDDER_2"
)

// recordingNotifier captures pushed events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events map[string][]notify.Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: make(map[string][]notify.Event)}
}

func (n *recordingNotifier) Notify(userID string, event notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[userID] = append(n.events[userID], event)
}

func (n *recordingNotifier) eventsFor(userID string) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[userID]
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *recordingNotifier) {
	t.Helper()

	db, err := database.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to initialize test database: %v", err)
	}
	notifier := newRecordingNotifier()
	return NewService(db, notifier), db, notifier
}

func cpaTerms() *types.Terms {
	return &types.Terms{
		CPA: &types.CPATerms{
			Tiers: []types.CPATier{{TierName: "Tier 1", DepositAmount: 250, CPAAmount: 400}},
		},
	}
}

func insertDeal(t *testing.T, db *gorm.DB, dealID, status string) *types.Deal {
	t.Helper()

	terms, err := cpaTerms().ToJSON()
	if err != nil {
		t.Fatalf("failed to build terms: %v", err)
	}
	deal := &types.Deal{
		DealID:      dealID,
		RequesterID: testRequester,
		Title:       "IB Partnership",
		DealType:    types.DealTypeCPA,
		Terms:       terms,
		Status:      status,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := db.Create(deal).Error; err != nil {
		t.Fatalf("failed to insert deal: %v", err)
	}
	return deal
}

func TestSubmitBid(t *testing.T) {
	service, db, notifier := newTestService(t)
	deal := insertDeal(t, db, "DEAL_1", types.DealStatusOpen)

	bid, err := service.SubmitBid(testBidder, types.RoleBidder, &SubmitBidInput{
		DealID:  deal.DealID,
		Offer:   cpaTerms(),
		Message: "Interested",
	})
	if err != nil {
		t.Fatalf("SubmitBid() error = %v", err)
	}

	if bid.Status != types.BidStatusPending {
		t.Errorf("bid status = %s, want %s", bid.Status, types.BidStatusPending)
	}

	// First bid advances the deal out of OPEN
	var reloaded types.Deal
	if err := db.Where("deal_id = ?", deal.DealID).First(&reloaded).Error; err != nil {
		t.Fatalf("failed to reload deal: %v", err)
	}
	if reloaded.Status != types.DealStatusInNegotiation {
		t.Errorf("deal status = %s, want %s", reloaded.Status, types.DealStatusInNegotiation)
	}

	// The requester is notified without learning anything the bid does not carry
	events := notifier.eventsFor(testRequester)
	if len(events) != 1 || events[0].Type != notify.EventNewBid {
		t.Errorf("requester events = %+v, want one %s", events, notify.EventNewBid)
	}
}

func TestSubmitBidValidation(t *testing.T) {
	service, db, _ := newTestService(t)
	deal := insertDeal(t, db, "DEAL_1", types.DealStatusOpen)

	// Requesters cannot bid
	_, err := service.SubmitBid(testRequester, types.RoleRequester, &SubmitBidInput{
		DealID: deal.DealID,
		Offer:  cpaTerms(),
	})
	var permErr *types.PermissionError
	if !errors.As(err, &permErr) {
		t.Errorf("SubmitBid() as requester error = %v, want *PermissionError", err)
	}

	// The offer must match the deal type
	_, err = service.SubmitBid(testBidder, types.RoleBidder, &SubmitBidInput{
		DealID: deal.DealID,
		Offer:  &types.Terms{Pnl: &types.PnlTerms{PnlPercentage: 30}},
	})
	var validationErr *types.ValidationError
	if !errors.As(err, &validationErr) {
		t.Errorf("SubmitBid() with wrong offer shape error = %v, want *ValidationError", err)
	}

	// Unknown deals are a not-found
	_, err = service.SubmitBid(testBidder, types.RoleBidder, &SubmitBidInput{
		DealID: "DEAL_MISSING",
		Offer:  cpaTerms(),
	})
	var notFoundErr *types.NotFoundError
	if !errors.As(err, &notFoundErr) {
		t.Errorf("SubmitBid() on missing deal error = %v, want *NotFoundError", err)
	}
}

func TestSubmitBidDuplicateActive(t *testing.T) {
	service, db, _ := newTestService(t)
	deal := insertDeal(t, db, "DEAL_1", types.DealStatusOpen)

	first, err := service.SubmitBid(testBidder, types.RoleBidder, &SubmitBidInput{
		DealID: deal.DealID,
		Offer:  cpaTerms(),
	})
	if err != nil {
		t.Fatalf("SubmitBid() error = %v", err)
	}

	_, err = service.SubmitBid(testBidder, types.RoleBidder, &SubmitBidInput{
		DealID: deal.DealID,
		Offer:  cpaTerms(),
	})
	var conflictErr *types.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("second active bid error = %v, want *ConflictError", err)
	}

	// A second bidder is not affected
	if _, err := service.SubmitBid(testOtherBidder, types.RoleBidder, &SubmitBidInput{
		DealID: deal.DealID,
		Offer:  cpaTerms(),
	}); err != nil {
		t.Fatalf("SubmitBid() by second bidder error = %v", err)
	}

	// After withdrawing, the bidder may bid again
	if _, err := service.WithdrawBid(first.BidID, testBidder, types.RoleBidder); err != nil {
		t.Fatalf("WithdrawBid() error = %v", err)
	}
	if _, err := service.SubmitBid(testBidder, types.RoleBidder, &SubmitBidInput{
		DealID: deal.DealID,
		Offer:  cpaTerms(),
	}); err != nil {
		t.Fatalf("SubmitBid() after withdrawal error = %v", err)
	}
}

func TestSubmitBidOnTerminalDeal(t *testing.T) {
	service, db, _ := newTestService(t)
	deal := insertDeal(t, db, "DEAL_1", types.DealStatusCancelled)

	_, err := service.SubmitBid(testBidder, types.RoleBidder, &SubmitBidInput{
		DealID: deal.DealID,
		Offer:  cpaTerms(),
	})
	var conflictErr *types.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("SubmitBid() on cancelled deal error = %v, want *ConflictError", err)
	}
}

func TestWithdrawBid(t *testing.T) {
	service, db, _ := newTestService(t)
	deal := insertDeal(t, db, "DEAL_1", types.DealStatusOpen)

	bid, err := service.SubmitBid(testBidder, types.RoleBidder, &SubmitBidInput{
		DealID: deal.DealID,
		Offer:  cpaTerms(),
	})
	if err != nil {
		t.Fatalf("SubmitBid() error = %v", err)
	}

	// Only the owner may withdraw
	_, err = service.WithdrawBid(bid.BidID, testOtherBidder, types.RoleBidder)
	var permErr *types.PermissionError
	if !errors.As(err, &permErr) {
		t.Errorf("WithdrawBid() by other bidder error = %v, want *PermissionError", err)
	}

	withdrawn, err := service.WithdrawBid(bid.BidID, testBidder, types.RoleBidder)
	if err != nil {
		t.Fatalf("WithdrawBid() error = %v", err)
	}
	if withdrawn.Status != types.BidStatusWithdrawn {
		t.Errorf("bid status = %s, want %s", withdrawn.Status, types.BidStatusWithdrawn)
	}

	// Withdrawn is terminal
	_, err = service.WithdrawBid(bid.BidID, testBidder, types.RoleBidder)
	var conflictErr *types.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Errorf("WithdrawBid() twice error = %v, want *ConflictError", err)
	}
}

func TestRejectBid(t *testing.T) {
	service, db, notifier := newTestService(t)
	deal := insertDeal(t, db, "DEAL_1", types.DealStatusOpen)

	bid, err := service.SubmitBid(testBidder, types.RoleBidder, &SubmitBidInput{
		DealID: deal.DealID,
		Offer:  cpaTerms(),
	})
	if err != nil {
		t.Fatalf("SubmitBid() error = %v", err)
	}

	// Only the deal's requester may reject
	_, err = service.RejectBid(bid.BidID, "USER_REQUESTER_2", types.RoleRequester)
	var permErr *types.PermissionError
	if !errors.As(err, &permErr) {
		t.Errorf("RejectBid() by other requester error = %v, want *PermissionError", err)
	}

	rejected, err := service.RejectBid(bid.BidID, testRequester, types.RoleRequester)
	if err != nil {
		t.Fatalf("RejectBid() error = %v", err)
	}
	if rejected.Status != types.BidStatusRejected {
		t.Errorf("bid status = %s, want %s", rejected.Status, types.BidStatusRejected)
	}

	events := notifier.eventsFor(testBidder)
	if len(events) != 1 || events[0].Type != notify.EventBidRejected {
		t.Errorf("bidder events = %+v, want one %s", events, notify.EventBidRejected)
	}

	// Rejected is terminal
	_, err = service.RejectBid(bid.BidID, testRequester, types.RoleRequester)
	var conflictErr *types.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Errorf("RejectBid() twice error = %v, want *ConflictError", err)
	}
}

func TestAcceptBid(t *testing.T) {
	service, db, notifier := newTestService(t)
	deal := insertDeal(t, db, "DEAL_1", types.DealStatusOpen)

	winner, err := service.SubmitBid(testBidder, types.RoleBidder, &SubmitBidInput{
		DealID: deal.DealID,
		Offer:  cpaTerms(),
	})
	if err != nil {
		t.Fatalf("SubmitBid() error = %v", err)
	}
	loser, err := service.SubmitBid(testOtherBidder, types.RoleBidder, &SubmitBidInput{
		DealID: deal.DealID,
		Offer:  cpaTerms(),
	})
	if err != nil {
		t.Fatalf("SubmitBid() error = %v", err)
	}

	result, err := service.AcceptBid(winner.BidID, testRequester, types.RoleRequester)
	if err != nil {
		t.Fatalf("AcceptBid() error = %v", err)
	}

	if result.Bid.Status != types.BidStatusAccepted {
		t.Errorf("winning bid status = %s, want %s", result.Bid.Status, types.BidStatusAccepted)
	}
	if result.Connection == nil || result.Connection.BidderID != testBidder {
		t.Fatalf("connection = %+v, want one for %s", result.Connection, testBidder)
	}
	if result.Connection.FinalTerms == nil || result.Connection.FinalTerms.CPA == nil {
		t.Error("connection lost the final terms snapshot")
	}

	// The sibling bid was rejected and the deal closed
	var reloadedLoser types.Bid
	if err := db.Where("bid_id = ?", loser.BidID).First(&reloadedLoser).Error; err != nil {
		t.Fatalf("failed to reload losing bid: %v", err)
	}
	if reloadedLoser.Status != types.BidStatusRejected {
		t.Errorf("losing bid status = %s, want %s", reloadedLoser.Status, types.BidStatusRejected)
	}

	var reloadedDeal types.Deal
	if err := db.Where("deal_id = ?", deal.DealID).First(&reloadedDeal).Error; err != nil {
		t.Fatalf("failed to reload deal: %v", err)
	}
	if reloadedDeal.Status != types.DealStatusClosed {
		t.Errorf("deal status = %s, want %s", reloadedDeal.Status, types.DealStatusClosed)
	}

	// The winner was notified with the connection attached
	events := notifier.eventsFor(testBidder)
	found := false
	for _, event := range events {
		if event.Type == notify.EventBidAccepted && event.ConnectionID == result.Connection.ConnectionID {
			found = true
		}
	}
	if !found {
		t.Errorf("bidder events = %+v, want %s with connection id", events, notify.EventBidAccepted)
	}
}

func TestAcceptBidPermissions(t *testing.T) {
	service, db, _ := newTestService(t)
	deal := insertDeal(t, db, "DEAL_1", types.DealStatusOpen)

	bid, err := service.SubmitBid(testBidder, types.RoleBidder, &SubmitBidInput{
		DealID: deal.DealID,
		Offer:  cpaTerms(),
	})
	if err != nil {
		t.Fatalf("SubmitBid() error = %v", err)
	}

	var permErr *types.PermissionError

	_, err = service.AcceptBid(bid.BidID, testBidder, types.RoleBidder)
	if !errors.As(err, &permErr) {
		t.Errorf("AcceptBid() as bidder error = %v, want *PermissionError", err)
	}

	_, err = service.AcceptBid(bid.BidID, "USER_REQUESTER_2", types.RoleRequester)
	if !errors.As(err, &permErr) {
		t.Errorf("AcceptBid() by other requester error = %v, want *PermissionError", err)
	}
}

func TestAcceptBidAfterCancel(t *testing.T) {
	service, db, _ := newTestService(t)
	deal := insertDeal(t, db, "DEAL_1", types.DealStatusOpen)

	bid, err := service.SubmitBid(testBidder, types.RoleBidder, &SubmitBidInput{
		DealID: deal.DealID,
		Offer:  cpaTerms(),
	})
	if err != nil {
		t.Fatalf("SubmitBid() error = %v", err)
	}

	if err := db.Model(&types.Deal{}).Where("deal_id = ?", deal.DealID).
		Update("status", types.DealStatusCancelled).Error; err != nil {
		t.Fatalf("failed to cancel deal: %v", err)
	}

	_, err = service.AcceptBid(bid.BidID, testRequester, types.RoleRequester)
	var conflictErr *types.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("AcceptBid() on cancelled deal error = %v, want *ConflictError", err)
	}
}

// TestAcceptBidRace accepts two sibling bids concurrently. Exactly one
// acceptance may win; the other must observe the closed deal and fail with a
// conflict, leaving a single connection behind.
func TestAcceptBidRace(t *testing.T) {
	service, db, _ := newTestService(t)
	deal := insertDeal(t, db, "DEAL_1", types.DealStatusOpen)

	first, err := service.SubmitBid(testBidder, types.RoleBidder, &SubmitBidInput{
		DealID: deal.DealID,
		Offer:  cpaTerms(),
	})
	if err != nil {
		t.Fatalf("SubmitBid() error = %v", err)
	}
	second, err := service.SubmitBid(testOtherBidder, types.RoleBidder, &SubmitBidInput{
		DealID: deal.DealID,
		Offer:  cpaTerms(),
	})
	if err != nil {
		t.Fatalf("SubmitBid() error = %v", err)
	}

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, bidID := range []string{first.BidID, second.BidID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := service.AcceptBid(id, testRequester, types.RoleRequester)
			results <- err
		}(bidID)
	}
	wg.Wait()
	close(results)

	var successes, conflicts int
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		var conflictErr *types.ConflictError
		if errors.As(err, &conflictErr) {
			conflicts++
		} else {
			t.Errorf("concurrent AcceptBid() error = %v, want *ConflictError", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("concurrent accepts: %d successes, %d conflicts, want 1 and 1", successes, conflicts)
	}

	var connectionCount int64
	if err := db.Model(&types.Connection{}).Where("deal_id = ?", deal.DealID).Count(&connectionCount).Error; err != nil {
		t.Fatalf("failed to count connections: %v", err)
	}
	if connectionCount != 1 {
		t.Errorf("connections for deal = %d, want exactly 1", connectionCount)
	}

	var acceptedCount int64
	if err := db.Model(&types.Bid{}).Where("deal_id = ? AND status = ?", deal.DealID, types.BidStatusAccepted).
		Count(&acceptedCount).Error; err != nil {
		t.Fatalf("failed to count accepted bids: %v", err)
	}
	if acceptedCount != 1 {
		t.Errorf("accepted bids = %d, want exactly 1", acceptedCount)
	}
}

func TestListBidsByDealVisibility(t *testing.T) {
	service, db, _ := newTestService(t)
	deal := insertDeal(t, db, "DEAL_1", types.DealStatusOpen)

	if _, err := service.SubmitBid(testBidder, types.RoleBidder, &SubmitBidInput{
		DealID: deal.DealID,
		Offer:  cpaTerms(),
	}); err != nil {
		t.Fatalf("SubmitBid() error = %v", err)
	}
	if _, err := service.SubmitBid(testOtherBidder, types.RoleBidder, &SubmitBidInput{
		DealID: deal.DealID,
		Offer:  cpaTerms(),
	}); err != nil {
		t.Fatalf("SubmitBid() error = %v", err)
	}

	// The requester sees every bid
	listing, err := service.ListBidsByDeal(deal.DealID, testRequester, types.RoleRequester)
	if err != nil {
		t.Fatalf("ListBidsByDeal() as requester error = %v", err)
	}
	if len(listing) != 2 {
		t.Errorf("requester bid listing = %d, want 2", len(listing))
	}

	// A bidder only sees their own
	listing, err = service.ListBidsByDeal(deal.DealID, testBidder, types.RoleBidder)
	if err != nil {
		t.Fatalf("ListBidsByDeal() as bidder error = %v", err)
	}
	if len(listing) != 1 || listing[0].BidderID != testBidder {
		t.Errorf("bidder bid listing = %+v, want only their own", listing)
	}

	// Strangers cannot read the book
	_, err = service.ListBidsByDeal(deal.DealID, "USER_REQUESTER_2", types.RoleRequester)
	var permErr *types.PermissionError
	if !errors.As(err, &permErr) {
		t.Errorf("ListBidsByDeal() by other requester error = %v, want *PermissionError", err)
	}
}
