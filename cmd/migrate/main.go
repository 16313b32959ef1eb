package main

import (
	"context"
	"flag"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adforge/backend/internal/config"
	"github.com/adforge/backend/internal/database"
)

func main() {
	configFile := flag.String("config", ".env", "path to the .env config file")
	flag.Parse()

	config.Init(*configFile)

	db := database.InitDatabase()
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	applied, err := database.Migrate(ctx, db, database.Migrations)
	if err != nil {
		logrus.WithError(err).Fatal("[MIGRATE] Failed")
	}
	logrus.WithField("applied", applied).Info("[MIGRATE] Schema up to date")
}
