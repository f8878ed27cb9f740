package boardsync

import (
	"testing"

	"bitbucket.org/mmdatafocus/ordersync_backend/models"
)

func TestGroupByCustomer(t *testing.T) {
	deltas := []Delta{
		{Kind: DeltaNew, BusinessKey: "ACME|PO-1|ST|C", Order: &models.SourceOrder{Customer: "Acme"}},
		{Kind: DeltaChanged, BusinessKey: "ACME|PO-2|ST|C", Order: &models.SourceOrder{Customer: " ACME "}},
		{Kind: DeltaNew, BusinessKey: "BOLT|PO-9|ST|C", Order: &models.SourceOrder{Customer: "Bolt"}},
		{Kind: DeltaDeleted, BusinessKey: "BOLT|PO-3|ST|C"},
	}

	byCustomer := groupByCustomer(deltas)

	if len(byCustomer) != 2 {
		t.Fatalf("expected 2 customers, got %d", len(byCustomer))
	}
	if len(byCustomer["ACME"]) != 2 {
		t.Errorf("ACME: got %d deltas", len(byCustomer["ACME"]))
	}
	// Deleted deltas carry no source row; the key prefix buckets them.
	if len(byCustomer["BOLT"]) != 2 {
		t.Errorf("BOLT: got %d deltas", len(byCustomer["BOLT"]))
	}
}
