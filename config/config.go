package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port          int
	Password      string // shared secret, empty means open server
	ReadTimeout   int    // seconds
	WriteTimeout  int    // seconds
	JournalPath   string // empty disables the event journal
	ControlSocket string
}

func Load() *Config {
	cfg := &Config{
		Port:          57890,
		Password:      "",
		ReadTimeout:   120,
		WriteTimeout:  30,
		JournalPath:   "",
		ControlSocket: "/tmp/codebank.sock",
	}

	if portStr := os.Getenv("CODEBANK_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if password, ok := os.LookupEnv("CODEBANK_PASSWORD"); ok {
		cfg.Password = password
	}

	if timeoutStr := os.Getenv("CODEBANK_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ReadTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("CODEBANK_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	if path := os.Getenv("CODEBANK_JOURNAL_PATH"); path != "" {
		cfg.JournalPath = path
	}

	if path := os.Getenv("CODEBANK_CONTROL_SOCKET"); path != "" {
		cfg.ControlSocket = path
	}

	return cfg
}
