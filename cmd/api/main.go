package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"bondflow/auth"
	"bondflow/casefile"
	"bondflow/catalog"
	"bondflow/db"
	"bondflow/packet"
	"bondflow/provider"
	"bondflow/signing"
	"bondflow/webhook"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	catalogPath := envOr("TEMPLATE_CATALOG_PATH", "templates.yaml")
	cat, err := catalog.Load(catalogPath)
	if err != nil {
		log.Fatalf("load template catalog %s: %v", catalogPath, err)
	}
	log.Printf("template catalog loaded: %d templates", len(cat.Keys()))

	esignClient := provider.NewHTTPClient(
		mustEnv("ESIGN_BASE_URL"),
		mustEnv("ESIGN_API_KEY"),
		15*time.Second,
	)

	authService := auth.NewService(auth.NewRepository(pool), mustEnv("JWT_SECRET"))
	tracker := signing.NewTracker(pool, nil)
	dispatcher := signing.NewDispatcher(pool, nil, tracker, esignClient)
	ingestor := webhook.NewIngestor(
		mustEnv("ESIGN_WEBHOOK_SECRET"),
		tracker,
		webhook.NewStore(pool),
	)

	sweeper := signing.NewSweeper(tracker, esignClient)
	go sweeper.Run(ctx)

	server := &Server{
		authService: authService,
		rosters:     casefile.NewRepository(pool),
		composer:    packet.NewComposer(cat),
		dispatcher:  dispatcher,
		tracker:     tracker,
		ingestor:    ingestor,
	}

	addr := envOr("LISTEN_ADDR", ":8080")
	log.Printf("listening on %s", addr)
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("missing required environment variable %s", key)
	}
	return v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
