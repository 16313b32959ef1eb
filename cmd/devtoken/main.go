// Command devtoken prints a bearer token for local testing against the API.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/adforge/backend/internal/config"
	mW "github.com/adforge/backend/internal/middleware"
)

func main() {
	configFile := flag.String("config", ".env", "path to the .env config file")
	userID := flag.String("user", "", "user id to put in the sub claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	config.Init(*configFile)
	if *userID == "" {
		logrus.Fatal("[DEVTOKEN] -user is required")
	}

	token, err := mW.IssueToken(viper.GetString("jwt.secret_key"), *userID, *ttl)
	if err != nil {
		logrus.WithError(err).Fatal("[DEVTOKEN] Failed to sign token")
	}
	fmt.Println(token)
}
