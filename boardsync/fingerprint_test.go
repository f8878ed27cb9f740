package boardsync

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/ordersync_backend/models"
	"github.com/shopspring/decimal"
)

func sampleOrder() *models.SourceOrder {
	ship := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	return &models.SourceOrder{
		ID:         7,
		BusinessId: "biz-1",
		Customer:   "Acme",
		PoNumber:   "PO-1001",
		Style:      "ST-77",
		Color:      "Navy",
		Season:     "SS26",
		Division:   "Menswear",
		ShipDate:   &ship,
		Sizes: []models.SourceOrderSize{
			{SizeLabel: "S", Quantity: decimal.NewFromInt(120)},
			{SizeLabel: "M", Quantity: decimal.NewFromInt(340)},
		},
	}
}

func TestFingerprintSourceOrder_Deterministic(t *testing.T) {
	a, err := FingerprintSourceOrder(sampleOrder())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		b, err := FingerprintSourceOrder(sampleOrder())
		if err != nil {
			t.Fatal(err)
		}
		if a != b {
			t.Fatalf("fingerprint not deterministic: %s vs %s", a, b)
		}
	}
}

func TestFingerprintSourceOrder_SizeOrderIndependent(t *testing.T) {
	a, err := FingerprintSourceOrder(sampleOrder())
	if err != nil {
		t.Fatal(err)
	}

	swapped := sampleOrder()
	swapped.Sizes[0], swapped.Sizes[1] = swapped.Sizes[1], swapped.Sizes[0]
	b, err := FingerprintSourceOrder(swapped)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("fingerprint depends on size line order")
	}
}

func TestFingerprintSourceOrder_ChangesWithContent(t *testing.T) {
	base, _ := FingerprintSourceOrder(sampleOrder())

	changedQty := sampleOrder()
	changedQty.Sizes[1].Quantity = decimal.NewFromInt(341)
	qty, _ := FingerprintSourceOrder(changedQty)
	if qty == base {
		t.Fatal("quantity change not reflected in fingerprint")
	}

	changedNotes := sampleOrder()
	changedNotes.Notes = "rush order"
	notes, _ := FingerprintSourceOrder(changedNotes)
	if notes == base {
		t.Fatal("notes change not reflected in fingerprint")
	}

	noShip := sampleOrder()
	noShip.ShipDate = nil
	ship, _ := FingerprintSourceOrder(noShip)
	if ship == base {
		t.Fatal("ship date removal not reflected in fingerprint")
	}
}

func TestFingerprintSourceOrder_IgnoresBookkeepingFields(t *testing.T) {
	base, _ := FingerprintSourceOrder(sampleOrder())

	other := sampleOrder()
	other.ID = 9999
	other.BusinessId = "biz-2"
	other.CreatedAt = time.Now()
	other.UpdatedAt = time.Now()
	got, _ := FingerprintSourceOrder(other)
	if got != base {
		t.Fatal("bookkeeping fields leaked into the fingerprint")
	}
}

func TestFingerprintSourceOrder_Malformed(t *testing.T) {
	cases := map[string]func(*models.SourceOrder){
		"missing customer": func(o *models.SourceOrder) { o.Customer = "  " },
		"missing po":       func(o *models.SourceOrder) { o.PoNumber = "" },
		"missing style":    func(o *models.SourceOrder) { o.Style = "" },
	}
	for name, mutate := range cases {
		o := sampleOrder()
		mutate(o)
		if _, err := FingerprintSourceOrder(o); !errors.Is(err, ErrMalformedRecord) {
			t.Errorf("%s: expected ErrMalformedRecord, got %v", name, err)
		}
	}

	// Color is not part of the mandatory key.
	o := sampleOrder()
	o.Color = ""
	if _, err := FingerprintSourceOrder(o); err != nil {
		t.Fatalf("empty color should be valid: %v", err)
	}
}

func TestFingerprintFields_NameValueBoundary(t *testing.T) {
	a := FingerprintFields(map[string]string{"ab": "c"})
	b := FingerprintFields(map[string]string{"a": "bc"})
	if a == b {
		t.Fatal("field name/value boundary is ambiguous")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name          string
		current       string
		currentExists bool
		prior         string
		priorExists   bool
		want          DeltaKind
	}{
		{"new record", "f1", true, "", false, DeltaNew},
		{"deleted record", "", false, "f1", true, DeltaDeleted},
		{"unchanged record", "f1", true, "f1", true, DeltaUnchanged},
		{"changed record", "f2", true, "f1", true, DeltaChanged},
	}
	for _, tc := range cases {
		if got := Classify(tc.current, tc.currentExists, tc.prior, tc.priorExists); got != tc.want {
			t.Errorf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestBuildBusinessKey_Normalization(t *testing.T) {
	a := models.BuildBusinessKey(" acme ", "PO-1", "ST-1", "Navy")
	b := models.BuildBusinessKey("ACME", " PO-1", "ST-1 ", "Navy")
	if a != b {
		t.Fatalf("business key not normalized: %q vs %q", a, b)
	}
	if a != "ACME|PO-1|ST-1|Navy" {
		t.Fatalf("unexpected business key %q", a)
	}
}
