package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/kashflow_sync/config"
	"bitbucket.org/mmdatafocus/kashflow_sync/dedup"
)

// One-time migration: prune duplicate entity documents and backfill uuids.
// Dry-run by default; pass --apply after reviewing the reported actions.
// Do not run while a sync is active.
func main() {
	apply := flag.Bool("apply", false, "apply deletions and uuid backfills (default: dry-run)")
	flag.Parse()

	_ = godotenv.Load()
	logger := config.GetLogger()

	if !config.MongoEnabled() {
		logger.Fatal("MONGO_URI is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if _, err := config.ConnectMongo(ctx); err != nil {
		logger.WithFields(logrus.Fields{"err": err.Error()}).Fatal("Mongo connection failed")
	}
	defer config.CloseMongo(ctx)

	result, err := dedup.Run(ctx, dedup.NewMongoStore(config.GetMongoDB()), dedup.Options{
		DryRun: !*apply,
		Log:    func(line string) { fmt.Println(line) },
	})
	if err != nil {
		logger.WithFields(logrus.Fields{"err": err.Error()}).Error("Dedup failed")
		os.Exit(1)
	}

	logger.WithFields(logrus.Fields{
		"dryRun":          result.DryRun,
		"totalGroups":     result.TotalGroups,
		"totalDeleted":    result.TotalDeleted,
		"totalBackfilled": result.TotalBackfilled,
		"actions":         len(result.Actions),
	}).Info("Dedup finished")

	if result.DryRun && (result.TotalDeleted > 0 || result.TotalBackfilled > 0) {
		fmt.Println("Dry run only. Re-run with --apply to make these changes.")
	}
}
