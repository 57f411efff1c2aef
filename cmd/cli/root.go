package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/fingerprint"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/storage"
	"github.com/himanishpuri/acousticdna-listen/pkg/logger"
)

// Global flags
var (
	storeDir   string
	tempDir    string
	sampleRate int
	backend    string
	logLevel   string
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:           "acousticdna",
	Short:         "Audio fingerprinting and continuous identification",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel != "" {
			level, ok := logger.ParseLevel(logLevel)
			if !ok {
				return fmt.Errorf("unknown log level %q", logLevel)
			}
			logger.SetLevel(level)
		}
		if !quiet {
			printBanner()
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&storeDir, "store", getEnvOrDefault(acousticdna.EnvDatastoreDir, "acousticdna-store"), "Datastore directory")
	flags.StringVar(&tempDir, "temp", getEnvOrDefault(acousticdna.EnvTempDir, os.TempDir()), "Directory for temporary audio conversion files")
	flags.IntVar(&sampleRate, "rate", fingerprint.DefaultSampleRate, "Audio sample rate for processing")
	flags.StringVar(&backend, "backend", string(storage.BackendAuto), "Datastore backend: auto, sqlite or badger")
	flags.StringVar(&logLevel, "log-level", os.Getenv("LOG_LEVEL"), "Log level: debug, info, warn, error")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Do not print the banner")

	rootCmd.AddCommand(indexCmd, listenCmd, listCmd, deleteCmd)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseBackend() (storage.Backend, error) {
	switch b := storage.Backend(strings.ToLower(backend)); b {
	case storage.BackendAuto, storage.BackendSQLite, storage.BackendBadger:
		return b, nil
	default:
		return "", fmt.Errorf("unknown backend %q", backend)
	}
}

// createService opens the datastore with the global flags applied.
func createService(opts ...acousticdna.Option) (*acousticdna.RecognitionService, error) {
	b, err := parseBackend()
	if err != nil {
		return nil, err
	}
	base := []acousticdna.Option{
		acousticdna.WithTempDir(tempDir),
		acousticdna.WithSampleRate(sampleRate),
		acousticdna.WithBackend(b),
		acousticdna.WithLogger(logger.GetLogger()),
	}
	return acousticdna.NewRecognitionService(storeDir, append(base, opts...)...)
}
