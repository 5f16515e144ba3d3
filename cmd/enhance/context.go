package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/handiism/media-enhancer/internal/config"
	"github.com/handiism/media-enhancer/internal/http"
	"github.com/handiism/media-enhancer/internal/logging"
)

type globalFlags struct {
	config    string
	envFile   string
	logLevel  string
	logFormat string
}

type commandContext struct {
	flags *globalFlags

	settingsOnce sync.Once
	settings     *config.Settings
	settingsErr  error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

func (c *commandContext) ensureSettings() (*config.Settings, error) {
	c.settingsOnce.Do(func() {
		settings, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.settingsErr = err
			return
		}
		if c.flags.logLevel != "" {
			settings.LogLevel = c.flags.logLevel
		}
		if c.flags.logFormat != "" {
			settings.LogFormat = c.flags.logFormat
		}
		c.settings = settings
	})
	return c.settings, c.settingsErr
}

func (c *commandContext) credentials() (config.Credentials, error) {
	return config.LoadCredentials(c.flags.envFile)
}

func (c *commandContext) logger(cmd *cobra.Command) (*slog.Logger, error) {
	settings, err := c.ensureSettings()
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		Level:  settings.LogLevel,
		Format: settings.LogFormat,
		Output: cmd.ErrOrStderr(),
	})
}

// client opens a session for the single-shot commands.
func (c *commandContext) client() (*http.Client, error) {
	settings, err := c.ensureSettings()
	if err != nil {
		return nil, err
	}
	creds, err := c.credentials()
	if err != nil {
		return nil, err
	}
	client, err := http.NewClient(http.Options{
		BaseURL:        settings.APIURL,
		APIKey:         creds.APIKey,
		MaxConnections: settings.MaxConnections,
		Timeout:        settings.RequestTimeout.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return client, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
