package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/siherrmann/tipper"
	"github.com/siherrmann/tipper/config"
	"github.com/siherrmann/tipper/core/analyzer"
	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
	"github.com/siherrmann/tipper/provider"
)

var history = []*model.Ticket{
	{
		ID:          "TIP-101",
		Title:       "QakBot resurfaces after takedown",
		Description: "QakBot phishing wave with OneNote attachments. C2 at 185.141.25[.]20, dropper invoice_0423.one.",
		Status:      "closed",
	},
	{
		ID:          "TIP-102",
		Title:       "Fancy Bear credential phishing",
		Description: "Fancy Bear spear phishing against ministries using login-portal-update[.]com (T1566.002).",
		Status:      "closed",
	},
}

const newTipper = `QakBot affiliates moved to PDF lures. The loader runs encoded PowerShell (T1059.001)
and beacons to 185.141.25[.]20 and 45.153.241[.]7. Payload sha256
2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae. Attribution to APT28 is unconfirmed.`

func main() {
	ctx := context.Background()

	// Start a test PostgreSQL container
	teardown, dbPort, err := helper.MustStartPostgresContainer()
	if err != nil {
		log.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer teardown(ctx)

	cfg := &config.Config{
		General: config.GeneralConfig{LogLevel: "info"},
		Store:   config.StoreConfig{Type: "postgres"},
		Database: helper.DatabaseConfiguration{
			Host:     "localhost",
			Port:     dbPort,
			Database: "database",
			Username: "user",
			Password: "password",
			Schema:   "public",
			SSLMode:  "disable",
		},
		Embedding: config.EmbeddingConfig{Provider: "local", BatchSize: 32, Concurrency: 2},
		// any OpenAI compatible endpoint, e.g. a local Ollama
		LLM: provider.OpenAIConfig{
			APIKey:    os.Getenv("OPENAI_API_KEY"),
			BaseURL:   os.Getenv("OPENAI_BASE_URL"),
			ChatModel: os.Getenv("OPENAI_MODEL"),
		},
		Rules: config.RulesConfig{CacheDir: "./rules_cache"},
	}

	tp, err := tipper.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create tipper: %v", err)
	}
	defer tp.Close()

	count, err := tp.IndexTippers(ctx, history...)
	if err != nil {
		log.Fatalf("Failed to index history: %v", err)
	}
	fmt.Printf("Indexed %d historical tippers\n", count)

	entities := tp.Extract(newTipper)
	fmt.Printf("\nExtracted %d entities: ips=%v hashes=%v techniques=%v\n",
		entities.Count(), entities.IPs, entities.Hashes.SHA256, entities.MitreTechniques)

	results, err := tp.SearchTippers(ctx, newTipper, 3)
	if err != nil {
		log.Fatalf("Failed to search: %v", err)
	}
	fmt.Printf("\nFound %d similar tippers:\n", len(results))
	for _, result := range results {
		fmt.Printf("  %.3f %-8s %s %s\n", result.Score, result.Method, result.Document.ID, result.Document.Name)
	}

	if tp.Analyzer == nil {
		fmt.Println("\nSet OPENAI_API_KEY or OPENAI_BASE_URL to run the novelty analysis.")
		return
	}

	analysis, err := tp.AnalyzeText(ctx, "QakBot moves to PDF lures", newTipper)
	if err != nil {
		log.Fatalf("Failed to analyze: %v", err)
	}
	fmt.Println()
	fmt.Print(analyzer.RenderForChat(analysis))

	fmt.Println("\nBasic example completed successfully!")
}
