package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// AgentConfig holds nm-agent's configuration, loaded from a key=value file
// and then overridden from the environment.
type AgentConfig struct {
	ServerURL             string
	AgentID               string
	APIKey                string
	LogLevel              string
	LogFile               string
	ReconnectMaxDelaySecs int
	DefaultTimeoutMs      int
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		LogLevel:              "INFO",
		ReconnectMaxDelaySecs: 60,
		DefaultTimeoutMs:      2000,
	}
}

// LoadAgentConfig reads a simple "key = value" text file (blank lines, '#'
// comments, and '[section]' headers are ignored), then applies NM_SERVER_URL,
// NM_AGENT_ID, NM_API_KEY, and NM_LOG_LEVEL environment overrides on top. A
// missing file is not an error: defaults are returned, which leave agent_id
// empty unless NM_AGENT_ID sets it.
func LoadAgentConfig(path string) (AgentConfig, error) {
	cfg := defaultAgentConfig()

	if _, err := os.Stat(path); err == nil {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "[") {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			key = strings.TrimSpace(key)
			value = strings.Trim(strings.TrimSpace(value), `"`)

			switch key {
			case "server_url", "url":
				cfg.ServerURL = value
			case "agent_id":
				cfg.AgentID = value
			case "api_key":
				cfg.APIKey = value
			case "log_level":
				cfg.LogLevel = value
			case "log_file":
				cfg.LogFile = value
			case "reconnect_max_delay_secs":
				if n, err := strconv.Atoi(value); err == nil {
					cfg.ReconnectMaxDelaySecs = n
				}
			case "default_timeout_ms":
				if n, err := strconv.Atoi(value); err == nil {
					cfg.DefaultTimeoutMs = n
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return cfg, fmt.Errorf("config: scan %s: %w", path, err)
		}
	}

	if v := os.Getenv("NM_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("NM_AGENT_ID"); v != "" {
		cfg.AgentID = v
	}
	if v := os.Getenv("NM_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("NM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}
