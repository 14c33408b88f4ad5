// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads the application configuration from a YAML file with
// environment variable overrides for secrets and deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ioko18/magflow-erp-sub003/emag"
)

// AccountConfig holds the API credentials for a single marketplace account.
type AccountConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// EmagConfig describes how to reach the marketplace API.
type EmagConfig struct {
	BaseURL               string                           `yaml:"base_url"`
	BulkPerSecond         int                              `yaml:"bulk_per_second"`
	OrderPerSecond        int                              `yaml:"order_per_second"`
	ReadTimeoutSeconds    int                              `yaml:"read_timeout_seconds"`
	ConnectTimeoutSeconds int                              `yaml:"connect_timeout_seconds"`
	Accounts              map[emag.AccountID]AccountConfig `yaml:"accounts"`
}

// PostgresConfig carries the mirror database connection string.
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// ServerConfig configures the HTTP API surface.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// SyncConfig tunes the orchestrator.
type SyncConfig struct {
	PageSize          int `yaml:"page_size"`
	MaxPages          int `yaml:"max_pages"`
	RunTimeoutMinutes int `yaml:"run_timeout_minutes"`
	PageFailCeiling   int `yaml:"page_fail_ceiling"`
	AckSweepLimit     int `yaml:"ack_sweep_limit"`
}

// AppConfig is the root configuration document.
type AppConfig struct {
	Emag     EmagConfig     `yaml:"emag"`
	Postgres PostgresConfig `yaml:"postgres"`
	Server   ServerConfig   `yaml:"server"`
	Sync     SyncConfig     `yaml:"sync"`
}

// RunTimeout converts the configured minutes into a duration, falling back to
// the two hour default when unset.
func (c SyncConfig) RunTimeout() time.Duration {
	if c.RunTimeoutMinutes <= 0 {
		return 2 * time.Hour
	}
	return time.Duration(c.RunTimeoutMinutes) * time.Minute
}

// Load reads the YAML file at path and applies environment overrides.
// The path may be empty, in which case the configuration comes entirely
// from the environment.
func Load(path string) (*AppConfig, error) {
	cfg := &AppConfig{}
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	overrideString(&c.Postgres.URL, "MAGFLOW_DATABASE_URL")
	overrideString(&c.Server.Addr, "MAGFLOW_HTTP_ADDR")
	overrideString(&c.Server.JWTSecret, "MAGFLOW_JWT_SECRET")
	overrideString(&c.Emag.BaseURL, "MAGFLOW_EMAG_BASE_URL")

	if c.Emag.Accounts == nil {
		c.Emag.Accounts = map[emag.AccountID]AccountConfig{}
	}
	overrideAccount(c.Emag.Accounts, emag.AccountMain, "MAGFLOW_EMAG_MAIN_USERNAME", "MAGFLOW_EMAG_MAIN_PASSWORD")
	overrideAccount(c.Emag.Accounts, emag.AccountFBE, "MAGFLOW_EMAG_FBE_USERNAME", "MAGFLOW_EMAG_FBE_PASSWORD")
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideAccount(accounts map[emag.AccountID]AccountConfig, id emag.AccountID, userKey, passKey string) {
	acct := accounts[id]
	overrideString(&acct.Username, userKey)
	overrideString(&acct.Password, passKey)
	if acct.Username != "" || acct.Password != "" {
		accounts[id] = acct
	}
}

func (c *AppConfig) validate() error {
	if c.Postgres.URL == "" {
		return fmt.Errorf("postgres.url is required (or set MAGFLOW_DATABASE_URL)")
	}
	if c.Emag.BaseURL == "" {
		return fmt.Errorf("emag.base_url is required (or set MAGFLOW_EMAG_BASE_URL)")
	}
	if len(c.Emag.Accounts) == 0 {
		return fmt.Errorf("at least one emag account must be configured")
	}
	for id, acct := range c.Emag.Accounts {
		if id != emag.AccountMain && id != emag.AccountFBE {
			return fmt.Errorf("unknown emag account %q", id)
		}
		if acct.Username == "" || acct.Password == "" {
			return fmt.Errorf("emag account %s is missing credentials", id)
		}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	return nil
}
