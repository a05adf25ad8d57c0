package main

import (
	"log"

	"github.com/joho/godotenv"

	"github.com/cordum/tradeflow/core/controlplane/gateway"
	"github.com/cordum/tradeflow/core/infra/buildinfo"
	"github.com/cordum/tradeflow/core/infra/config"
)

func main() {
	// optional local overrides
	_ = godotenv.Load()

	log.Println("tradeflow gateway starting...")
	buildinfo.Log("tradeflow-gateway")
	cfg := config.Load()
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("gateway error: %v", err)
	}
}
