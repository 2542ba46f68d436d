package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gwi.com/streamchat/internal/api"
	"gwi.com/streamchat/internal/cache"
	"gwi.com/streamchat/internal/config"
	"gwi.com/streamchat/internal/core"
	"gwi.com/streamchat/internal/llm"
	"gwi.com/streamchat/internal/ratelimit"
	"gwi.com/streamchat/internal/store"
	"gwi.com/streamchat/internal/stream"
)

func main() {
	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Command line flag for wiping local history
	resetFlag := flag.Bool("reset", false, "Delete all conversations and messages, then exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.LogLevel == "DEBUG" {
		log.Println("Service starting in DEBUG mode")
	}

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	if *resetFlag {
		log.Println("Clearing all conversations...")
		if err := dbStore.ClearAll(context.Background()); err != nil {
			log.Fatalf("Reset failed: %v", err)
		}
		log.Println("All conversations deleted. Exiting.")
		return
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize rate limiting
	var entries ratelimit.EntryStore
	if cfg.RateLimitDB != "" {
		boltStore, err := ratelimit.OpenBoltStore(cfg.RateLimitDB)
		if err != nil {
			log.Fatalf("Failed to open rate limit store: %v", err)
		}
		defer boltStore.Close()
		entries = boltStore
	} else {
		entries = ratelimit.NewMemoryStore(cfg.RateLimitMaxSessions)
	}
	limiter := ratelimit.NewLimiter(entries, cfg.RateLimitMax, cfg.RateLimitWindow)
	go sweepLimiter(ctx, limiter, cfg.RateLimitWindow)

	// Initialize Gemini source
	source, err := llm.NewGeminiSource(ctx, cfg.GeminiAPIKey)
	if err != nil {
		log.Fatalf("Failed to initialize Gemini: %v", err)
	}
	defer source.Close()
	gate := core.NewGate(limiter, source)

	// The orchestrator dispatches in-process unless a remote chat endpoint is configured
	var dispatcher core.Dispatcher = gate
	opts := []core.Option{core.WithContextSize(cfg.ContextMessages)}
	if cfg.ChatUpstreamURL != "" {
		upstream := strings.TrimRight(cfg.ChatUpstreamURL, "/")
		dispatcher = stream.NewClient(upstream, nil)
		probe := core.NewHealthProbe(upstream+"/api/health", nil)
		go probe.Run(ctx, 15*time.Second)
		opts = append(opts, core.WithConnectivity(probe))
		log.Printf("Dispatching chat requests to %s", upstream)
	}

	layer := cache.NewLayer(dbStore)
	orchestrator := core.NewOrchestrator(layer, dispatcher, opts...)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(layer, orchestrator, gate)
	router := api.NewRouter(apiHandler, cfg.CORSAllowedOrigins)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // Streamed replies hold the response open
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting gracefully")
}

// sweepLimiter drops expired rate limit entries once per window.
func sweepLimiter(ctx context.Context, limiter *ratelimit.Limiter, window time.Duration) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := limiter.Sweep(ctx)
			if err != nil {
				log.Printf("Rate limit sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("Swept %d expired rate limit entries", n)
			}
		}
	}
}
