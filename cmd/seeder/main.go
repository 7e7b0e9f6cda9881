// cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/unclebandit/followup-engine/internal/app"
	"github.com/unclebandit/followup-engine/internal/config"
	"github.com/unclebandit/followup-engine/internal/logging"
)

// Usage: seeder [-overwrite] [mailbox@example.com ...]
func main() {
	overwrite := flag.Bool("overwrite", false, "replace an existing followup config record")
	flag.Parse()

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	seeded, err := a.SeedConfig(ctx, *overwrite)
	if err != nil {
		log.Fatalf("failed to seed followup config: %v", err)
	}
	if seeded {
		fmt.Println("Seeded: followup config")
	} else {
		fmt.Println("Kept existing followup config")
	}

	for _, email := range flag.Args() {
		m, err := a.RegisterMailbox(ctx, email, "")
		if err != nil {
			log.Fatalf("failed to register mailbox %s: %v", email, err)
		}
		fmt.Printf("Seeded: mailbox %s (id %d)\n", m.Email, m.ID)
	}

	fmt.Println("Database seeding completed successfully!")
}
