package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/handiism/media-enhancer/internal/config"
	"github.com/handiism/media-enhancer/internal/logging"
	"github.com/handiism/media-enhancer/internal/tui"
)

func main() {
	var (
		configFlag  = flag.String("config", "enhance.toml", "Path to config file")
		envFileFlag = flag.String("env-file", ".env", "File holding API_KEY and WEBHOOK_SIGNATURE")
		logFileFlag = flag.String("log-file", "enhance-tui.log", "Log file (the terminal is owned by the UI)")
	)
	flag.Parse()

	settings, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	creds, err := config.LoadCredentials(*envFileFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// The alternate screen owns the terminal, so records only go to the file.
	logFile, err := os.OpenFile(*logFileFlag, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	logger, err := logging.New(logging.Options{
		Level:  settings.LogLevel,
		Format: "json",
		Output: logFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := tui.Run(settings, creds, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
