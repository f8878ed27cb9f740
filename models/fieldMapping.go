package models

import "time"

// FieldMapping is one row of the declarative source-field → remote-column
// mapping table. The rows are loaded once at engine construction into an
// immutable lookup (boardsync.FieldMap); the engine never reads this table
// on the hot path.
type FieldMapping struct {
	ID           uint      `gorm:"primary_key" json:"id"`
	BusinessId   string    `gorm:"index:uniq_field_mapping,unique;size:64;not null" json:"business_id"`
	EntityType   string    `gorm:"index:uniq_field_mapping,unique;size:50;not null" json:"entity_type"`
	SourceField  string    `gorm:"index:uniq_field_mapping,unique;size:64;not null" json:"source_field"`
	RemoteField  string    `gorm:"size:64;not null" json:"remote_field"`
	CoercionRule string    `gorm:"size:32" json:"coercion_rule"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
