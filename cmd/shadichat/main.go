package main

import (
	"flag"
	"fmt"
	"os"

	"ShadiChat/internal/app"
	"ShadiChat/internal/config"
)

func main() {
	var (
		configPath string
		envFile    string
		flags      config.Config
	)

	flag.StringVar(&configPath, "config", "", "Path to a TOML config file")
	flag.StringVar(&envFile, "env-file", ".env", "Path to a .env file (optional)")
	flag.StringVar(&flags.APIURL, "api-url", config.DefaultAPIURL, "REST API base URL")
	flag.StringVar(&flags.SocketURL, "socket-url", config.DefaultSocketURL, "Realtime WebSocket URL")
	flag.StringVar(&flags.DBPath, "db", config.DefaultDBPath, "Local state database path")
	flag.StringVar(&flags.LogDir, "log-dir", config.DefaultLogDir, "Directory for logs, traces and metrics")
	flag.StringVar(&flags.Locale, "locale", "en", "Locale (en|hi|cg)")
	flag.BoolVar(&flags.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Explicit flags win over file and environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "api-url":
			cfg.APIURL = flags.APIURL
		case "socket-url":
			cfg.SocketURL = flags.SocketURL
		case "db":
			cfg.DBPath = flags.DBPath
		case "log-dir":
			cfg.LogDir = flags.LogDir
		case "locale":
			cfg.Locale = flags.Locale
		case "debug":
			cfg.Debug = flags.Debug
		}
	})

	shell, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}

	if err := shell.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
