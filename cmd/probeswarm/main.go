package main

import (
	"log"

	"github.com/MrSnakeDoc/probeswarm/internal/app"
)

func main() {
	if err := app.New().Run(); err != nil {
		log.Fatalf("❌ probeswarm failed: %v", err)
	}
}
