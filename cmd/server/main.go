//go:build !js && !wasm

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/engine"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/fingerprint"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/storage"
	"github.com/himanishpuri/acousticdna-listen/pkg/logger"
)

var (
	port           int
	storeDir       string
	backend        string
	tempDir        string
	sampleRate     int
	allowedOrigins string
	configPath     string
	logRequests    bool
)

func init() {
	flag.IntVar(&port, "port", 8080, "HTTP server port")
	flag.StringVar(&storeDir, "store", getEnvOrDefault(acousticdna.EnvDatastoreDir, "acousticdna-store"), "Datastore directory")
	flag.StringVar(&backend, "backend", string(storage.BackendAuto), "Datastore backend: auto, sqlite or badger")
	flag.StringVar(&tempDir, "temp", getEnvOrDefault(acousticdna.EnvTempDir, os.TempDir()), "Temporary directory")
	flag.IntVar(&sampleRate, "rate", fingerprint.DefaultSampleRate, "Audio sample rate")
	flag.StringVar(&allowedOrigins, "origins", "*", "Comma-separated list of allowed CORS origins (use * for all)")
	flag.StringVar(&configPath, "config", os.Getenv("ACOUSTIC_ENGINE_CONFIG"), "Engine configuration YAML file")
	flag.BoolVar(&logRequests, "log-requests", false, "Log every HTTP request")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	flag.Parse()
	log := logger.GetLogger()

	var origins []string
	if allowedOrigins == "*" {
		origins = []string{"*"}
	} else {
		for _, o := range strings.Split(allowedOrigins, ",") {
			origins = append(origins, strings.TrimSpace(o))
		}
	}

	engineCfg := engine.DefaultConfig()
	if configPath != "" {
		cfg, err := engine.LoadConfig(configPath)
		if err != nil {
			log.Fatalf("Failed to load engine config: %v", err)
		}
		engineCfg = cfg
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, storeDir, storage.Options{
		Backend: storage.Backend(strings.ToLower(backend)),
		Create:  true,
		Logger:  log,
	})
	if err != nil {
		log.Fatalf("Failed to open datastore: %v", err)
	}
	defer store.Close()

	server, err := NewServer(store, &ServerConfig{
		Port:           port,
		DatastoreDir:   storeDir,
		TempDir:        tempDir,
		SampleRate:     sampleRate,
		AllowedOrigins: origins,
		Engine:         engineCfg,
		LogRequests:    logRequests,
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	defer server.Close()

	if err := server.Run(ctx); err != nil {
		log.Errorf("Server failed: %v", err)
	}
}
