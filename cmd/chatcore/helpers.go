package main

import (
	"fmt"
	"os"

	chatcore "github.com/studybuddy-app/chatcore"
)

// getClient creates an API client authenticated with the stored token.
func getClient() (*chatcore.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No auth token. Run 'chatcore init <token> <user-id>' first.")
		os.Exit(1)
	}

	var opts []chatcore.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatcore.WithBaseURL(cfg.Default.BaseURL))
	}

	return chatcore.NewClient(cfg.Auth.Token, opts...), cfg
}
