package main

import (
	"log"

	"github.com/MrSnakeDoc/hstroute/internal/app"
)

func main() {
	if err := app.New().Run(); err != nil {
		log.Fatalf("❌ hstroute failed to start: %v", err)
	}
}
