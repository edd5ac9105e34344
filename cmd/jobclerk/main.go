package main

import (
	"context"
	"flag"
	"log"

	"github.com/Popie52/jobclerk/internal/bootstrap"
	"github.com/Popie52/jobclerk/internal/config"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config file (defaults apply when empty)")
	devMode := flag.Bool("dev", false, "console logging")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := bootstrap.Run(context.Background(), cfg); err != nil {
		log.Fatalf("jobclerk: %v", err)
	}
}
