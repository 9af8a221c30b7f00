package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/chatwire/pkg/server"
	"github.com/aeolun/chatwire/pkg/store"
)

func main() {
	configPath := flag.String("config", "~/.chatwire/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config, empty string in config = in-memory)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	cfg := tomlConfig.ToServerConfig()
	if *port != 0 {
		cfg.TCPPort = *port
	}

	databasePath, err := tomlConfig.GetDatabasePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve database path: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		databasePath = *dbPath
	}

	var st store.Store
	if databasePath == "" {
		log.Println("No database path configured, running on the in-memory store")
		st = store.NewMemStore()
	} else {
		st, err = store.OpenSQLite(databasePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
			os.Exit(1)
		}
	}

	publisher, err := server.NewPublisherFromConfig(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect event bridge: %v\n", err)
		st.Close()
		os.Exit(1)
	}

	srv, err := server.NewServer(st, cfg, publisher)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		st.Close()
		os.Exit(1)
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		st.Close()
		os.Exit(1)
	}
	log.Printf("chatwire server listening on port %d", cfg.TCPPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
		os.Exit(1)
	}
}
