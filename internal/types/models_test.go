package types

import "testing"

func TestIsTerminalDealStatus(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{DealStatusOpen, false},
		{DealStatusInNegotiation, false},
		{DealStatusClosed, true},
		{DealStatusCancelled, true},
	}
	for _, tt := range tests {
		if got := IsTerminalDealStatus(tt.status); got != tt.want {
			t.Errorf("IsTerminalDealStatus(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestIsTerminalBidStatus(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{BidStatusPending, false},
		{BidStatusCountered, false},
		{BidStatusAccepted, true},
		{BidStatusRejected, true},
		{BidStatusWithdrawn, true},
	}
	for _, tt := range tests {
		if got := IsTerminalBidStatus(tt.status); got != tt.want {
			t.Errorf("IsTerminalBidStatus(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
