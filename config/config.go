package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	DBPath        string `toml:"db_path"`
	ReadTimeout   int    `toml:"read_timeout"`  // seconds
	AuthTimeout   int    `toml:"auth_timeout"`  // seconds
	WriteTimeout  int    `toml:"write_timeout"` // seconds
	SendQueue     int    `toml:"send_queue"`
	MetricsAddr   string `toml:"metrics_addr"`
	ControlSocket string `toml:"control_socket"`
	Debug         bool   `toml:"debug"`
}

func Default() *Config {
	return &Config{
		Host:          "",
		Port:          7777,
		DBPath:        "relay.db",
		ReadTimeout:   5,
		AuthTimeout:   5,
		WriteTimeout:  5,
		SendQueue:     64,
		MetricsAddr:   "127.0.0.1:9090",
		ControlSocket: "/tmp/relay.sock",
	}
}

// Load builds the configuration from defaults, a .env file in the working
// directory, the TOML file at path and RELAY_* environment variables, in
// that order. Missing files are not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if host, ok := os.LookupEnv("RELAY_HOST"); ok {
		cfg.Host = host
	}

	if portStr := os.Getenv("RELAY_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if dbPath := os.Getenv("RELAY_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if timeoutStr := os.Getenv("RELAY_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ReadTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("RELAY_AUTH_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.AuthTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("RELAY_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	if queueStr := os.Getenv("RELAY_SEND_QUEUE"); queueStr != "" {
		if queue, err := strconv.Atoi(queueStr); err == nil {
			cfg.SendQueue = queue
		}
	}

	if addr, ok := os.LookupEnv("RELAY_METRICS_ADDR"); ok {
		cfg.MetricsAddr = addr
	}

	if path := os.Getenv("RELAY_CONTROL_SOCKET"); path != "" {
		cfg.ControlSocket = path
	}

	if debugStr := os.Getenv("RELAY_DEBUG"); debugStr != "" {
		if debug, err := strconv.ParseBool(debugStr); err == nil {
			cfg.Debug = debug
		}
	}
}

func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ReadTimeout <= 0 || c.AuthTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.SendQueue <= 0 {
		return fmt.Errorf("send_queue must be positive")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	return nil
}
