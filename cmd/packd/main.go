package main

import (
	"log"

	"github.com/packd-io/packd/core/gateway"
	"github.com/packd-io/packd/core/infra/buildinfo"
	"github.com/packd-io/packd/core/infra/config"
)

func main() {
	log.Println("packd starting...")
	buildinfo.Log("packd")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("packd error: %v", err)
	}
}
