// Package config содержит логику чтения конфигурации движка карточных решений.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации движка карточных решений.
type Config struct {
	RunAddress          string `env:"RUN_ADDRESS"`
	DatabaseURI         string `env:"DATABASE_URI"`
	RedisAddress        string `env:"REDIS_ADDRESS"`
	NotificationAddress string `env:"NOTIFICATION_ADDRESS"`
	PolicyFile          string `env:"POLICY_FILE"`
	IdentitySecret      string `env:"IDENTITY_SECRET"`
	AdminKey            string `env:"ADMIN_KEY"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisAddress := cfg.RedisAddress
	envNotificationAddress := cfg.NotificationAddress
	envPolicyFile := cfg.PolicyFile
	envIdentitySecret := cfg.IdentitySecret
	envAdminKey := cfg.AdminKey

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddress, "c", "", "redis cache address")
	flag.StringVar(&cfg.NotificationAddress, "n", "", "notification service address")
	flag.StringVar(&cfg.PolicyFile, "p", "", "card policy file (JSON), embedded defaults when empty")
	flag.StringVar(&cfg.IdentitySecret, "s", "", "identity signature secret")
	flag.StringVar(&cfg.AdminKey, "k", "", "admin portal shared key")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}
	if envNotificationAddress != "" {
		cfg.NotificationAddress = envNotificationAddress
	}
	if envPolicyFile != "" {
		cfg.PolicyFile = envPolicyFile
	}
	if envIdentitySecret != "" {
		cfg.IdentitySecret = envIdentitySecret
	}
	if envAdminKey != "" {
		cfg.AdminKey = envAdminKey
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
