package boardsync

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/ordersync_backend/models"
	"github.com/shopspring/decimal"
)

func testFieldMap() *FieldMap {
	return NewFieldMap([]models.FieldMapping{
		{EntityType: "header", SourceField: "customer", RemoteField: "col_customer", CoercionRule: "upper"},
		{EntityType: "header", SourceField: "po_number", RemoteField: "col_po"},
		{EntityType: "header", SourceField: "season", RemoteField: "col_season", CoercionRule: "trim"},
		{EntityType: "line", SourceField: "quantity", RemoteField: "col_qty", CoercionRule: "decimal"},
	})
}

func TestFieldMap_Apply(t *testing.T) {
	fields := testFieldMap()

	remote := fields.Apply("header", map[string]any{
		"customer":  "acme",
		"po_number": "PO-1",
		"season":    "  SS26 ",
		"style":     "ST-1", // no mapping row: must be dropped
	})

	if got := remote["col_customer"]; got != "ACME" {
		t.Errorf("upper coercion: got %v", got)
	}
	if got := remote["col_po"]; got != "PO-1" {
		t.Errorf("plain mapping: got %v", got)
	}
	if got := remote["col_season"]; got != "SS26" {
		t.Errorf("trim coercion: got %v", got)
	}
	if _, ok := remote["style"]; ok {
		t.Error("unmapped source field leaked into remote payload")
	}
	if len(remote) != 3 {
		t.Errorf("expected 3 remote fields, got %d", len(remote))
	}
}

func TestFieldMap_ApplyUnknownEntity(t *testing.T) {
	remote := testFieldMap().Apply("widget", map[string]any{"customer": "acme"})
	if len(remote) != 0 {
		t.Fatalf("unknown entity must map to empty payload, got %v", remote)
	}
}

func TestCoerce(t *testing.T) {
	ship := time.Date(2026, 3, 15, 23, 0, 0, 0, time.UTC)
	if got := coerce(ship, "date"); got != "2026-03-15" {
		t.Errorf("date coercion: got %v", got)
	}
	if got := coerce(&ship, "date"); got != "2026-03-15" {
		t.Errorf("date pointer coercion: got %v", got)
	}
	if got := coerce(decimal.NewFromInt(340), "decimal"); got != "340" {
		t.Errorf("decimal coercion: got %v", got)
	}
	if got := coerce("12.50", "decimal"); got != "12.5" {
		t.Errorf("decimal string coercion: got %v", got)
	}
	// Unknown rules and type mismatches pass values through untouched.
	if got := coerce(42, "upper"); got != 42 {
		t.Errorf("type mismatch must pass through, got %v", got)
	}
	if got := coerce("x", "nonsense"); got != "x" {
		t.Errorf("unknown rule must pass through, got %v", got)
	}
}

func TestHeaderPayload_UpdateVsCreate(t *testing.T) {
	fields := testFieldMap()

	header := models.OrderHeaderStage{
		BusinessKey: "ACME|PO-1|ST-1|Navy",
		Customer:    "ACME",
		PoNumber:    "PO-1",
		Style:       "ST-1",
	}
	payload := headerPayload(fields, &header, "grp-9")
	if payload.RefKey != header.BusinessKey {
		t.Errorf("ref key: got %q", payload.RefKey)
	}
	if payload.GroupId != "grp-9" {
		t.Errorf("group id: got %q", payload.GroupId)
	}
	if payload.RemoteId != "" {
		t.Error("create payload must carry no remote id")
	}

	remoteId := "itm-5"
	header.RemoteItemId = &remoteId
	payload = headerPayload(fields, &header, "grp-9")
	if payload.RemoteId != "itm-5" {
		t.Errorf("update payload must carry the prior remote id, got %q", payload.RemoteId)
	}
}

func TestLinePayload(t *testing.T) {
	fields := testFieldMap()
	work := LineWork{
		Line: models.OrderLineStage{
			LineKey:   "ACME|PO-1|ST-1|Navy|M",
			SizeLabel: "M",
			Quantity:  decimal.NewFromInt(340),
		},
		ParentRemoteId: "itm-5",
	}

	payload := linePayload(fields, work)
	if payload.ParentId != "itm-5" {
		t.Errorf("parent id: got %q", payload.ParentId)
	}
	if payload.RefKey != work.Line.LineKey {
		t.Errorf("ref key: got %q", payload.RefKey)
	}
	if got := payload.Fields["col_qty"]; got != "340" {
		t.Errorf("quantity mapping: got %v", got)
	}
}
