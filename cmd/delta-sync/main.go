package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/ordersync_backend/boardsync"
	"bitbucket.org/mmdatafocus/ordersync_backend/config"
	"bitbucket.org/mmdatafocus/ordersync_backend/models"
)

// One-shot delta sync runner for operators: runs the full pipeline from the
// command line instead of the HTTP trigger.
func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	customer := flag.String("customer", "", "Optional: limit the run to one customer")
	limit := flag.Int("limit", 0, "Optional: cap the number of source records")
	dryRun := flag.Bool("dry-run", false, "Detect and build payloads without writing anything")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	service := boardsync.NewService(db)
	report, err := service.RunDeltaSync(context.Background(), strings.TrimSpace(*businessID), boardsync.SyncOptions{
		Customer:    strings.TrimSpace(*customer),
		Limit:       *limit,
		DryRun:      *dryRun,
		TriggeredBy: models.SyncTriggeredSystem,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sync failed: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
}
