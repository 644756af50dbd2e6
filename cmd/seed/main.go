// Command seed populates the database with chat data.
package main

import (
	"context"
	"flag"
	"log"

	"chatterbox/internal/config"
	"chatterbox/internal/database"
	"chatterbox/internal/seed"
)

func main() {
	scenario := flag.String("scenario", "", "Apply a fixture scenario (e.g. demo) instead of random data")
	numUsers := flag.Int("users", 20, "Number of users to create")
	numGroups := flag.Int("groups", 5, "Number of group chats to create")
	directs := flag.Int("directs", 3, "Direct chats opened per user")
	messages := flag.Int("messages", 15, "Messages per conversation")
	randSeed := flag.Int64("seed", 0, "Random seed for reproducible data (0 means random)")
	shouldClean := flag.Bool("clean", true, "Clean chat tables before seeding")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.IsProduction() {
		log.Fatal("Refusing to seed a production database")
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	ctx := context.Background()
	s := seed.NewSeeder(db, seed.Options{
		NumUsers:        *numUsers,
		NumGroups:       *numGroups,
		DirectsPerUser:  *directs,
		MessagesPerChat: *messages,
		SkipBcrypt:      true,
		RandSeed:        *randSeed,
	})

	if *shouldClean {
		if err := s.ClearAll(ctx); err != nil {
			log.Fatalf("Cleanup failed: %v", err)
		}
	}

	var res *seed.Result
	if *scenario != "" {
		sc, err := seed.LoadScenario(*scenario)
		if err != nil {
			log.Fatalf("Load scenario: %v", err)
		}
		res, err = s.ApplyScenario(ctx, sc)
		if err != nil {
			log.Fatalf("Scenario seeding failed: %v", err)
		}
	} else {
		res, err = s.SeedRandom(ctx)
		if err != nil {
			log.Fatalf("Seeding failed: %v", err)
		}
	}

	log.Printf("Seeded %d users, %d conversations, %d messages", len(res.Users), len(res.Conversations), res.Messages)
	log.Printf("Seeded users without an explicit password use: %s", seed.DefaultPassword)
}
