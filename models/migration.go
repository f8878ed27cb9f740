package models

import (
	"log"

	"bitbucket.org/mmdatafocus/ordersync_backend/config"
)

// MigrateTable auto-migrates the sync-owned tables. The source order tables
// (source_orders, source_order_sizes) are owned by the extraction pipeline
// and are migrated here only so local/dev environments are self-contained.
func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&SourceOrder{}, &SourceOrderSize{},
		&OrderHeaderStage{}, &OrderLineStage{}, &BoardGroup{},
		&OrderHeader{}, &OrderLine{},
		&BoardConnection{}, &SyncRun{}, &SyncBatch{}, &SyncBatchPhase{}, &SyncErrorRecord{},
		&FieldMapping{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
