package config

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// envKeys are bound explicitly so they show up in viper.AllSettings.
var envKeys = []string{
	"app.dev_mode",
	"log.level", "log.format",
	"server.port",
	"database.host", "database.port", "database.user", "database.password", "database.name", "database.ssl_mode",
	"redis.host", "redis.port", "redis.password", "redis.db",
	"jwt.secret_key",
	"openai.api_key", "openai.base_url", "openai.image_model", "openai.prompt_model",
	"payments.api_key", "payments.base_url", "payments.webhook_secret", "payments.plans",
	"storage.root", "storage.public_base_url",
	"generation.max_requests_per_day",
	"reconcile.stale_after",
}

// Init reads an optional .env file and lets environment variables override it.
// "database.host" is read from DATABASE_HOST and so on.
func Init(configFile string) {
	if configFile == "" {
		configFile = ".env"
	}
	viper.SetConfigFile(configFile)
	viper.SetConfigType("env")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, key := range envKeys {
		viper.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}

	if err := viper.ReadInConfig(); err != nil {
		logrus.WithError(err).Info("[CONFIG] Config file not found, using environment and defaults")
	}

	// .env files store DATABASE_HOST as "database_host"; lift those values onto
	// the dotted keys unless the real environment already provides them.
	for _, key := range envKeys {
		envName := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if _, ok := os.LookupEnv(envName); ok {
			continue
		}
		if v := viper.Get(strings.ToLower(envName)); v != nil {
			viper.Set(key, v)
		}
	}

	InitLogging()
}

// InitLogging configures the standard logrus logger from log.level and log.format.
func InitLogging() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")

	logrus.SetOutput(os.Stdout)
	if viper.GetString("log.format") == "text" {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
