// Command reconcile prints orphaned pending debits, deductions whose refund
// failed and payments claimed without credits. It never changes balances;
// resolving an entry is an operator decision. -ack drops a settled gap from the
// unrefunded queue.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adforge/backend/internal/config"
	"github.com/adforge/backend/internal/database"
	"github.com/adforge/backend/internal/ledger"
	"github.com/adforge/backend/internal/services"
)

func main() {
	configFile := flag.String("config", ".env", "path to the .env config file")
	staleAfter := flag.Duration("stale-after", 0, "override reconcile.stale_after")
	failOnGaps := flag.Bool("fail-on-gaps", false, "exit 2 when the report is not clean")
	ack := flag.String("ack", "", "drop queued unrefunded gaps for this transaction id and exit")
	flag.Parse()

	config.Init(*configFile)
	cfg := config.LoadReconcileConfig()
	if *staleAfter > 0 {
		cfg.StaleAfter = *staleAfter
	}

	db := database.InitDatabase()
	defer db.Close()

	var queue *services.RedisGapQueue
	if redisClient := database.InitRedis(); redisClient != nil {
		defer redisClient.Close()
		queue = services.NewRedisGapQueue(redisClient)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if *ack != "" {
		if queue == nil {
			logrus.Fatal("[RECONCILE] -ack needs Redis")
		}
		removed, err := queue.Ack(ctx, *ack)
		if err != nil {
			logrus.WithError(err).Fatal("[RECONCILE] Ack failed")
		}
		logrus.WithFields(logrus.Fields{"transaction_id": *ack, "removed": removed}).Info("[RECONCILE] Gap acknowledged")
		return
	}

	store := ledger.NewPostgresStore(db)
	payments := services.NewPaymentService(db, store, nil, nil, nil, nil)
	report, err := services.NewReconciliationService(store, queue, payments, cfg.StaleAfter).Report(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("[RECONCILE] Sweep failed")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logrus.WithError(err).Fatal("[RECONCILE] Failed to write report")
	}

	if *failOnGaps && !report.Clean() {
		os.Exit(2)
	}
}
