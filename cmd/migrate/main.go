package main

import (
	"flag"
	"log"
	"os"

	"batchsender/internal/db"
)

func main() {
	source := flag.String("source", "file://migrations", "migration source URL")
	flag.Parse()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	if err := db.Migrate(databaseURL, *source); err != nil {
		log.Fatal("migration failed: ", err)
	}
	log.Println("migrations applied")
}
