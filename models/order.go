package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderHeader is the production record of a fully synced order. It carries the
// content fingerprint (the prior state consulted by the next delta pass) and
// the remote ids, but no sync status: history is immutable and subsequent
// source changes produce a new delta cycle instead of mutating it in place.
type OrderHeader struct {
	ID            uint        `gorm:"primary_key" json:"id"`
	BusinessId    string      `gorm:"index:uniq_order_header,unique;size:64;not null" json:"business_id"`
	BusinessKey   string      `gorm:"index:uniq_order_header,unique;size:255;not null" json:"business_key"`
	Customer      string      `gorm:"size:100;not null" json:"customer"`
	PoNumber      string      `gorm:"size:64;not null" json:"po_number"`
	Style         string      `gorm:"size:64;not null" json:"style"`
	Color         string      `gorm:"size:64" json:"color"`
	Season        string      `gorm:"size:32" json:"season"`
	Fingerprint   string      `gorm:"size:64;not null" json:"fingerprint"`
	RemoteGroupId string      `gorm:"size:64" json:"remote_group_id"`
	RemoteItemId  string      `gorm:"size:64" json:"remote_item_id"`
	Lines         []OrderLine `gorm:"foreignKey:OrderHeaderId" json:"lines"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

type OrderLine struct {
	ID            uint            `gorm:"primary_key" json:"id"`
	OrderHeaderId uint            `gorm:"index;not null" json:"order_header_id"`
	BusinessId    string          `gorm:"index;size:64;not null" json:"business_id"`
	LineKey       string          `gorm:"index;size:255;not null" json:"line_key"`
	SizeLabel     string          `gorm:"size:16;not null" json:"size_label"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	RemoteChildId string          `gorm:"size:64" json:"remote_child_id"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
