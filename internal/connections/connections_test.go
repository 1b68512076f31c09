package connections

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
	testRequester = "USER_REQUESTER_1"
	testBidder    = "USER_BIDDER_1"
	testOutsider  = "USER_BIDDER_2"
)

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

// seedConnection inserts a closed deal, its accepted bid and the resulting
// connection.
func seedConnection(t *testing.T, db *gorm.DB, connectionID, dealID string) *types.Connection {
	t.Helper()

	terms, err := (&types.Terms{
		Pnl: &types.PnlTerms{PnlPercentage: 30},
	}).ToJSON()
	if err != nil {
		t.Fatalf("failed to build terms: %v", err)
	}

	deal := &types.Deal{
		DealID:      dealID,
		RequesterID: testRequester,
		Title:       "PNL Share",
		DealType:    types.DealTypePnl,
		Terms:       terms,
		Status:      types.DealStatusClosed,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := db.Create(deal).Error; err != nil {
		t.Fatalf("failed to insert deal: %v", err)
	}

	bid := &types.Bid{
		BidID:     "BID_" + dealID,
		DealID:    dealID,
		BidderID:  testBidder,
		Offer:     terms,
		Status:    types.BidStatusAccepted,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := db.Create(bid).Error; err != nil {
		t.Fatalf("failed to insert bid: %v", err)
	}

	connection := &types.Connection{
		ConnectionID: connectionID,
		DealID:       dealID,
		BidID:        bid.BidID,
		RequesterID:  testRequester,
		BidderID:     testBidder,
		FinalTerms:   terms,
		CreatedAt:    time.Now(),
	}
	if err := db.Create(connection).Error; err != nil {
		t.Fatalf("failed to insert connection: %v", err)
	}
	return connection
}

func TestSendMessage(t *testing.T) {
	service, db, notifier := newTestService(t)
	connection := seedConnection(t, db, "CONN_1", "DEAL_1")

	message, err := service.SendMessage(connection.ConnectionID, testRequester, &SendMessageInput{
		Content: "Welcome aboard",
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if message.SenderID != testRequester {
		t.Errorf("message sender = %s, want %s", message.SenderID, testRequester)
	}
	if message.IsRead {
		t.Error("new message already marked read")
	}

	// The other party gets the push, the sender does not
	events := notifier.eventsFor(testBidder)
	if len(events) != 1 || events[0].Type != notify.EventNewMessage {
		t.Errorf("bidder events = %+v, want one %s", events, notify.EventNewMessage)
	}
	if len(notifier.eventsFor(testRequester)) != 0 {
		t.Error("sender received their own message push")
	}
}

func TestSendMessageValidation(t *testing.T) {
	service, db, _ := newTestService(t)
	connection := seedConnection(t, db, "CONN_1", "DEAL_1")

	_, err := service.SendMessage(connection.ConnectionID, testRequester, &SendMessageInput{Content: "   "})
	var validationErr *types.ValidationError
	if !errors.As(err, &validationErr) {
		t.Errorf("SendMessage() with blank content error = %v, want *ValidationError", err)
	}

	_, err = service.SendMessage(connection.ConnectionID, testOutsider, &SendMessageInput{Content: "Hello"})
	var permErr *types.PermissionError
	if !errors.As(err, &permErr) {
		t.Errorf("SendMessage() by outsider error = %v, want *PermissionError", err)
	}
}

func TestGetConnection(t *testing.T) {
	service, db, _ := newTestService(t)
	connection := seedConnection(t, db, "CONN_1", "DEAL_1")

	for _, content := range []string{"first", "second", "third"} {
		if _, err := service.SendMessage(connection.ConnectionID, testRequester, &SendMessageInput{Content: content}); err != nil {
			t.Fatalf("SendMessage() error = %v", err)
		}
		// created_at ordering needs distinct timestamps on sqlite
		time.Sleep(2 * time.Millisecond)
	}

	detail, err := service.GetConnection(connection.ConnectionID, testBidder)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}

	if detail.Deal == nil || detail.Deal.RequesterID != testRequester {
		t.Errorf("connection detail deal = %+v, want de-anonymized requester", detail.Deal)
	}
	if detail.Bid == nil || detail.Bid.Status != types.BidStatusAccepted {
		t.Errorf("connection detail bid = %+v, want the accepted bid", detail.Bid)
	}
	if detail.Connection.UnreadCount != 3 {
		t.Errorf("unread count = %d, want 3", detail.Connection.UnreadCount)
	}

	if len(detail.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(detail.Messages))
	}
	for i, want := range []string{"first", "second", "third"} {
		if detail.Messages[i].Content != want {
			t.Errorf("message %d = %s, want %s", i, detail.Messages[i].Content, want)
		}
	}

	// Outsiders cannot read the thread
	_, err = service.GetConnection(connection.ConnectionID, testOutsider)
	var permErr *types.PermissionError
	if !errors.As(err, &permErr) {
		t.Errorf("GetConnection() by outsider error = %v, want *PermissionError", err)
	}
}

// Non-party callers are refused with a permission error on every connection
// operation; only a genuinely unknown connection id is a not-found.
func TestConnectionPartyErrorKinds(t *testing.T) {
	service, db, _ := newTestService(t)
	connection := seedConnection(t, db, "CONN_1", "DEAL_1")

	var permErr *types.PermissionError
	var notFoundErr *types.NotFoundError

	if _, err := service.GetConnection(connection.ConnectionID, testOutsider); !errors.As(err, &permErr) {
		t.Errorf("GetConnection() by outsider error = %v, want *PermissionError", err)
	}
	if _, err := service.SendMessage(connection.ConnectionID, testOutsider, &SendMessageInput{Content: "Hello"}); !errors.As(err, &permErr) {
		t.Errorf("SendMessage() by outsider error = %v, want *PermissionError", err)
	}
	if _, err := service.MarkRead(connection.ConnectionID, testOutsider); !errors.As(err, &permErr) {
		t.Errorf("MarkRead() by outsider error = %v, want *PermissionError", err)
	}

	if _, err := service.GetConnection("CONN_MISSING", testRequester); !errors.As(err, &notFoundErr) {
		t.Errorf("GetConnection() on missing connection error = %v, want *NotFoundError", err)
	}
	if _, err := service.SendMessage("CONN_MISSING", testRequester, &SendMessageInput{Content: "Hello"}); !errors.As(err, &notFoundErr) {
		t.Errorf("SendMessage() on missing connection error = %v, want *NotFoundError", err)
	}
	if _, err := service.MarkRead("CONN_MISSING", testRequester); !errors.As(err, &notFoundErr) {
		t.Errorf("MarkRead() on missing connection error = %v, want *NotFoundError", err)
	}
}

func TestMarkRead(t *testing.T) {
	service, db, _ := newTestService(t)
	connection := seedConnection(t, db, "CONN_1", "DEAL_1")

	if _, err := service.SendMessage(connection.ConnectionID, testRequester, &SendMessageInput{Content: "ping"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if _, err := service.SendMessage(connection.ConnectionID, testBidder, &SendMessageInput{Content: "pong"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	// The bidder's receipt only covers the requester's message
	result, err := service.MarkRead(connection.ConnectionID, testBidder)
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if result.MarkedRead != 1 {
		t.Errorf("marked read = %d, want 1", result.MarkedRead)
	}

	// Re-running the receipt is a no-op
	result, err = service.MarkRead(connection.ConnectionID, testBidder)
	if err != nil {
		t.Fatalf("MarkRead() twice error = %v", err)
	}
	if result.MarkedRead != 0 {
		t.Errorf("second receipt marked = %d, want 0", result.MarkedRead)
	}

	// The bidder's own message stays unread for the requester
	var unread int64
	if err := db.Model(&types.Message{}).
		Where("connection_id = ? AND sender_id <> ? AND is_read = ?", connection.ConnectionID, testRequester, false).
		Count(&unread).Error; err != nil {
		t.Fatalf("failed to count unread: %v", err)
	}
	if unread != 1 {
		t.Errorf("requester unread = %d, want 1", unread)
	}
}

func TestListConnections(t *testing.T) {
	service, db, _ := newTestService(t)
	first := seedConnection(t, db, "CONN_1", "DEAL_1")
	seedConnection(t, db, "CONN_2", "DEAL_2")

	if _, err := service.SendMessage(first.ConnectionID, testRequester, &SendMessageInput{Content: "hello"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	listing, err := service.ListConnections(testBidder, types.RoleBidder)
	if err != nil {
		t.Fatalf("ListConnections() as bidder error = %v", err)
	}
	if len(listing) != 2 {
		t.Fatalf("bidder connections = %d, want 2", len(listing))
	}
	for _, conn := range listing {
		want := int64(0)
		if conn.ConnectionID == first.ConnectionID {
			want = 1
		}
		if conn.UnreadCount != want {
			t.Errorf("connection %s unread = %d, want %d", conn.ConnectionID, conn.UnreadCount, want)
		}
	}

	listing, err = service.ListConnections(testRequester, types.RoleRequester)
	if err != nil {
		t.Fatalf("ListConnections() as requester error = %v", err)
	}
	if len(listing) != 2 {
		t.Fatalf("requester connections = %d, want 2", len(listing))
	}

	// A party with no connections gets an empty listing
	listing, err = service.ListConnections(testOutsider, types.RoleBidder)
	if err != nil {
		t.Fatalf("ListConnections() as outsider error = %v", err)
	}
	if len(listing) != 0 {
		t.Errorf("outsider connections = %d, want 0", len(listing))
	}
}
