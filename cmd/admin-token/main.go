package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/playmatatu/referee/internal/admin"
)

// Prints the bcrypt hash to put in ADMIN_TOKEN_HASH for the operator token
// given in ADMIN_TOKEN.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	adminToken := os.Getenv("ADMIN_TOKEN")
	if adminToken == "" {
		log.Fatalf("ADMIN_TOKEN is not set")
	}

	hash, err := admin.HashToken(adminToken)
	if err != nil {
		log.Fatalf("Failed to hash admin token: %v", err)
	}

	fmt.Printf("ADMIN_TOKEN_HASH=%s\n", hash)
}
