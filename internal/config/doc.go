// Package config provides configuration management for media-enhancer.
//
// This package handles:
//   - Loading and saving settings from TOML files
//   - Default configuration values
//   - Loading the API credential and webhook secret from the environment
//   - Conversion to the request and playlist types used by other packages
//
// # Default Settings
//
//	settings := config.DefaultSettings()
//	// 50 upload and 50 download workers, 100 connections
//	// 300s request timeout, 60s shutdown grace period
//	// results written to ./results as WAV
//
// # Loading from File
//
//	settings, err := config.Load("enhance.toml")
//	if err != nil {
//	    // Uses defaults if file doesn't exist
//	}
//	if err := settings.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Credentials
//
// The API key and the optional webhook signature never live in the settings
// file. LoadCredentials reads API_KEY and WEBHOOK_SIGNATURE, loading a .env
// file first when one exists:
//
//	creds, err := config.LoadCredentials()
//	if errors.Is(err, config.ErrMissingAPIKey) {
//	    // fatal: the pipeline cannot start without a key
//	}
package config
