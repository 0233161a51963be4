package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sortarm/config"
	"sortarm/engine"
	"sortarm/messaging"
	"sortarm/store"
	"sortarm/www"
)

func main() {
	configPath := flag.String("config", "sortarm.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	armType := flag.String("arm", "", "arm driver type (overrides config)")
	flag.Parse()

	if *debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if *port > 0 {
		cfg.Web.Port = *port
	}
	if *armType != "" {
		cfg.Arm.Type = *armType
	}

	// Open database
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create and start engine
	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		DB:         db,
		LogFunc:    log.Printf,
		Debug:      *debug,
	})
	if err := eng.Start(); err != nil {
		log.Fatalf("engine start: %v", err)
	}
	defer eng.Stop()

	// Set up messaging
	msgClient := messaging.NewClient(&cfg.Messaging)
	defer msgClient.Close()
	if err := msgClient.Connect(); err != nil {
		log.Printf("messaging connect: %v (will retry via outbox)", err)
	} else {
		// Detection frames from the vision node feed the sorter's buffer
		detections := messaging.NewDetectionSubscriber(msgClient, cfg, eng.Detections())
		if err := detections.Start(); err != nil {
			log.Printf("detections subscribe: %v", err)
		} else {
			log.Printf("detections listening on %s", cfg.Messaging.DetectionsTopic)
		}

		// Outbox drainer publishes persisted operation records
		drainer := messaging.NewOutboxDrainer(db, msgClient, &cfg.Messaging)
		drainer.Start()
		defer drainer.Stop()

		// Periodic arm status heartbeat
		reporter := messaging.NewStatusReporter(msgClient, eng.Arm(),
			cfg.Messaging.StatusTopic, cfg.Messaging.StatusInterval)
		reporter.Start()
		defer reporter.Stop()
	}

	// Set up HTTP server
	router, stopWeb := www.NewRouter(eng)
	defer stopWeb()

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := &http.Server{Addr: addr, Handler: router}

	// Start HTTP server
	go func() {
		log.Printf("SortArm listening on %s (arm=%s)", addr, cfg.Arm.Type)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")

	// Stop SSE event hub first so long-lived connections close
	stopWeb()

	// Graceful HTTP shutdown with 10s deadline
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}
}
