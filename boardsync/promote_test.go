package boardsync

import (
	"context"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/ordersync_backend/config"
	"bitbucket.org/mmdatafocus/ordersync_backend/models"
	logrustest "github.com/sirupsen/logrus/hooks/test"
)

func TestDecidePromotion(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	staged := &models.OrderHeaderStage{
		BusinessKey: "ACME|PO-1|ST-1|Navy",
		Fingerprint: "fp-new",
		UpdatedAt:   base,
	}

	cases := []struct {
		name string
		prod *models.OrderHeader
		want promotionDecision
	}{
		{
			name: "no production row inserts",
			prod: nil,
			want: promoteInsert,
		},
		{
			name: "same fingerprint is an idempotent skip",
			prod: &models.OrderHeader{Fingerprint: "fp-new", UpdatedAt: base.Add(-time.Hour)},
			want: promoteSkipCurrent,
		},
		{
			name: "stale staged row loses to a newer promotion",
			prod: &models.OrderHeader{Fingerprint: "fp-other", UpdatedAt: base.Add(time.Minute)},
			want: promoteSkipConflict,
		},
		{
			name: "older production row is updated",
			prod: &models.OrderHeader{Fingerprint: "fp-old", UpdatedAt: base.Add(-time.Hour)},
			want: promoteUpdate,
		},
	}

	for _, tc := range cases {
		if got := decidePromotion(staged, tc.prod); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestPromoteBatch_ConflictLoggedAndSkipped(t *testing.T) {
	db := newStagingDB(t)
	hook := logrustest.NewLocal(config.GetLogger())
	defer hook.Reset()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	businessKey := models.BuildBusinessKey("ACME", "PO-1", "ST-1", "Navy")
	staged := models.OrderHeaderStage{
		BusinessId:  "biz-1",
		BusinessKey: businessKey,
		BatchId:     7,
		Customer:    "ACME",
		PoNumber:    "PO-1",
		Style:       "ST-1",
		Color:       "Navy",
		GroupKey:    "ACME|SS26",
		Fingerprint: "fp-staged",
		Status:      models.SyncStatusSynced,
		UpdatedAt:   base,
	}
	if err := db.Create(&staged).Error; err != nil {
		t.Fatal(err)
	}
	prod := models.OrderHeader{
		BusinessId:  "biz-1",
		BusinessKey: businessKey,
		Customer:    "ACME",
		PoNumber:    "PO-1",
		Style:       "ST-1",
		Color:       "Navy",
		Fingerprint: "fp-newer",
		UpdatedAt:   base.Add(time.Hour),
	}
	if err := db.Create(&prod).Error; err != nil {
		t.Fatal(err)
	}

	promoted, skipped, err := NewPromoter(db).PromoteBatch(context.Background(), "biz-1", 7)
	if err != nil {
		t.Fatal(err)
	}
	if promoted != 0 || skipped != 1 {
		t.Fatalf("promoted=%d skipped=%d, want 0 and 1", promoted, skipped)
	}

	var after models.OrderHeader
	if err := db.Where("business_id = ? AND business_key = ?", "biz-1", businessKey).
		Take(&after).Error; err != nil {
		t.Fatal(err)
	}
	if after.Fingerprint != "fp-newer" {
		t.Fatalf("newer production row overwritten: fingerprint %s", after.Fingerprint)
	}

	logged := false
	for _, entry := range hook.AllEntries() {
		if strings.Contains(entry.Message, "promotion conflict") && entry.Data["business_key"] == businessKey {
			logged = true
		}
	}
	if !logged {
		t.Error("conflict skip was not logged")
	}
}
