package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderHeaderStage is a staged order header pending synchronization to the
// board platform. Staging rows are the only rows that carry sync status;
// production rows hold business data plus remote ids.
//
// Unique constraint: (business_id, business_key). Re-staging the same key with
// the same fingerprint is a no-op; with a different fingerprint it refreshes
// the row back to PENDING for the next run.
type OrderHeaderStage struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	BusinessId    string     `gorm:"index:uniq_stage_header,unique;size:64;not null" json:"business_id"`
	BusinessKey   string     `gorm:"index:uniq_stage_header,unique;size:255;not null" json:"business_key"`
	BatchId       uint       `gorm:"index;not null" json:"batch_id"`
	Customer      string     `gorm:"size:100;not null" json:"customer"`
	PoNumber      string     `gorm:"size:64;not null" json:"po_number"`
	Style         string     `gorm:"size:64;not null" json:"style"`
	Color         string     `gorm:"size:64" json:"color"`
	Season        string     `gorm:"size:32" json:"season"`
	GroupKey      string     `gorm:"index;size:255;not null" json:"group_key"`
	Fingerprint   string     `gorm:"size:64;not null" json:"fingerprint"`
	Status        SyncStatus `gorm:"size:16;not null;index" json:"status"`
	RemoteGroupId *string    `gorm:"size:64" json:"remote_group_id"`
	RemoteItemId  *string    `gorm:"size:64" json:"remote_item_id"`
	ErrorId       *uint      `json:"error_id"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderLineStage is a staged size/quantity line under a staged header. The
// parent reference is the header's business key (via LineKey/HeaderKey), not
// the remote item id; RemoteParentId is only populated after the parent item
// phase has completed.
type OrderLineStage struct {
	ID             uint            `gorm:"primary_key" json:"id"`
	BusinessId     string          `gorm:"index:uniq_stage_line,unique;size:64;not null" json:"business_id"`
	LineKey        string          `gorm:"index:uniq_stage_line,unique;size:255;not null" json:"line_key"`
	HeaderKey      string          `gorm:"index;size:255;not null" json:"header_key"`
	BatchId        uint            `gorm:"index;not null" json:"batch_id"`
	SizeLabel      string          `gorm:"size:16;not null" json:"size_label"`
	Quantity       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	Status         SyncStatus      `gorm:"size:16;not null;index" json:"status"`
	RemoteParentId *string         `gorm:"size:64" json:"remote_parent_id"`
	RemoteChildId  *string         `gorm:"size:64" json:"remote_child_id"`
	ErrorId        *uint           `json:"error_id"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BoardGroup tracks one remote group per distinct customer-season key.
// Rows are created lazily on first reference and never deleted.
type BoardGroup struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	BusinessId    string     `gorm:"index:uniq_board_group,unique;size:64;not null" json:"business_id"`
	GroupKey      string     `gorm:"index:uniq_board_group,unique;size:255;not null" json:"group_key"`
	Customer      string     `gorm:"size:100;not null" json:"customer"`
	Season        string     `gorm:"size:32" json:"season"`
	RemoteGroupId *string    `gorm:"size:64" json:"remote_group_id"`
	Status        SyncStatus `gorm:"size:16;not null;index" json:"status"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
