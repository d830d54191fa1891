package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"relay/config"
	"relay/db"
	"relay/server"
	"syscall"
	"time"
)

func main() {
	configPath := flag.String("config", "relay.toml", "Path to TOML config file")
	host := flag.String("host", "", "Address to bind (overrides config)")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "debug":
			cfg.Debug = *debug
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	if cfg.Debug {
		server.EnableDebugLogging(os.Stderr)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	if err := database.ResetActive(); err != nil {
		log.Fatalf("Failed to reset active sessions: %v", err)
	}

	srv := server.New(database, &server.ServerConfig{
		Host:         cfg.Host,
		Port:         cfg.Port,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		AuthTimeout:  time.Duration(cfg.AuthTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		SendQueue:    cfg.SendQueue,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Listen(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	if cfg.MetricsAddr != "" {
		go serveHTTP(ctx, cfg.MetricsAddr, srv)
	}

	if cfg.ControlSocket != "" {
		go startControlSocket(ctx, cfg.ControlSocket, srv, database, stop)
	}

	if err := srv.Serve(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func serveHTTP(ctx context.Context, addr string, srv *server.Server) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", srv.Metrics().Handler())
	mux.Handle("/health", srv.HealthHandler())

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("Metrics listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("Metrics server error: %v", err)
	}
}

func startControlSocket(ctx context.Context, path string, srv *server.Server, database *db.DB, shutdown func()) {
	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Printf("Failed to create control socket: %v", err)
		return
	}
	defer os.Remove(path)

	srv.ServeControl(ctx, listener, database, shutdown)
}
