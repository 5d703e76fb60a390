package main

import (
	"log"

	"github.com/joho/godotenv"

	"aura/internal/app"
)

func main() {
	// Local development convenience; a missing .env file is not an error.
	_ = godotenv.Load()

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
