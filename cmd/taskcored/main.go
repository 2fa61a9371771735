package main

import (
	"log"

	"github.com/alpinesboltltd/taskcore/internal/app"
	"github.com/alpinesboltltd/taskcore/internal/config"
	"github.com/alpinesboltltd/taskcore/internal/engine/registry"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func main() {
	godotenv.Load(".env")
	var cfg config.Config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatal(err)
	}

	// Embedding applications register their (mode, service) factories
	// here before Run starts the worker pool. taskcore ships no concrete
	// services of its own.
	if err := app.Run(&cfg, func(reg *registry.Registry) error {
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}
