package nats

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBatchNakDelay(t *testing.T) {
	tests := []struct {
		redeliveries int
		want         time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := BatchNakDelay(tt.redeliveries); got != tt.want {
			t.Errorf("BatchNakDelay(%d) = %v, want %v", tt.redeliveries, got, tt.want)
		}
	}
}

func TestJobNakDelay(t *testing.T) {
	tests := []struct {
		redeliveries int
		want         time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := JobNakDelay(tt.redeliveries); got != tt.want {
			t.Errorf("JobNakDelay(%d) = %v, want %v", tt.redeliveries, got, tt.want)
		}
	}
}

func TestSubjects(t *testing.T) {
	if got := UserSendSubject("u-123"); got != "email.user.u-123.send" {
		t.Errorf("UserSendSubject() = %q", got)
	}
	if got := WebhookSubject("resend", "email.delivered"); got != "webhook.resend.email.delivered" {
		t.Errorf("WebhookSubject() = %q", got)
	}
}

func TestMsgIDs(t *testing.T) {
	batchID := uuid.New()
	recipientID := uuid.New()

	if got := BatchJobMsgID(batchID); got != "batch-"+batchID.String() {
		t.Errorf("BatchJobMsgID() = %q", got)
	}

	// Same identity must produce the same id so the broker dedup window
	// can suppress double publishes.
	a := JobMsgID(batchID, recipientID)
	b := JobMsgID(batchID, recipientID)
	if a != b {
		t.Errorf("JobMsgID not stable: %q vs %q", a, b)
	}
	if a == JobMsgID(batchID, uuid.New()) {
		t.Error("JobMsgID collides across recipients")
	}
}
