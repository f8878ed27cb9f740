package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SourceOrder is the read side of the delta sync: one row per logical order
// as loaded by the upstream extraction. The table is owned by the extraction
// pipeline; this service only reads it.
type SourceOrder struct {
	ID         int               `gorm:"primary_key" json:"id"`
	BusinessId string            `gorm:"index;not null" json:"business_id"`
	Customer   string            `gorm:"size:100;not null" json:"customer" validate:"required"`
	PoNumber   string            `gorm:"size:64;not null" json:"po_number" validate:"required"`
	Style      string            `gorm:"size:64;not null" json:"style" validate:"required"`
	Color      string            `gorm:"size:64" json:"color"`
	Season     string            `gorm:"size:32" json:"season"`
	Division   string            `gorm:"size:64" json:"division"`
	ShipDate   *time.Time        `json:"ship_date"`
	Notes      string            `gorm:"type:text" json:"notes"`
	Sizes      []SourceOrderSize `gorm:"foreignKey:SourceOrderId" json:"sizes"`
	CreatedAt  time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// SourceOrderSize is one size/quantity breakdown row under a source order.
type SourceOrderSize struct {
	ID            int             `gorm:"primary_key" json:"id"`
	SourceOrderId int             `gorm:"index;not null" json:"source_order_id"`
	SizeLabel     string          `gorm:"size:16;not null" json:"size_label" validate:"required"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

const businessKeySeparator = "|"

// BusinessKey is the uniqueness key for an order: customer, PO number, style
// and color joined in that fixed order.
func (s *SourceOrder) BusinessKey() string {
	return BuildBusinessKey(s.Customer, s.PoNumber, s.Style, s.Color)
}

// GroupKey is the customer-season grouping key that maps to a remote board group.
func (s *SourceOrder) GroupKey() string {
	return BuildGroupKey(s.Customer, s.Season)
}

func BuildBusinessKey(customer, poNumber, style, color string) string {
	return strings.Join([]string{
		strings.ToUpper(strings.TrimSpace(customer)),
		strings.TrimSpace(poNumber),
		strings.TrimSpace(style),
		strings.TrimSpace(color),
	}, businessKeySeparator)
}

func BuildGroupKey(customer, season string) string {
	return strings.Join([]string{
		strings.ToUpper(strings.TrimSpace(customer)),
		strings.ToUpper(strings.TrimSpace(season)),
	}, businessKeySeparator)
}

// BuildLineKey is the stable parent-independent identifier of a staged line.
// It references the header's business key, never the remote item id, so lines
// can be staged before their parent has synced.
func BuildLineKey(businessKey, sizeLabel string) string {
	return businessKey + businessKeySeparator + strings.TrimSpace(sizeLabel)
}
