package main

import (
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"

	"appcore/internal/app"
	"appcore/internal/config"
)

func main() {
	var cfg config.Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		log.Fatalf("Fail parsing env config %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err = validate.Struct(cfg); err != nil {
		log.Fatalf("Fail config validation %v", err)
	}

	application, err := app.New(&cfg)
	if err != nil {
		log.Fatalf("Fail building application core %v", err)
	}
	application.Run()
}
