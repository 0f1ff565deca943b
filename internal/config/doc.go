// Package config loads network-master's runtime configuration from
// environment variables (nm-server, via AppConfig) and from an agent
// config file plus environment overrides (nm-agent, via AgentConfig).
//
// # nm-server
//
//	cfg := config.Load()
//	fmt.Println(cfg.ListenAddr, cfg.DatabaseURL)
//
// All fields have development defaults, so nm-server runs unconfigured
// against a local Postgres instance. Recognized environment variables:
//   - NM_LISTEN_ADDR: control-plane listen address (default ":8443")
//   - DATABASE_URL: Postgres DSN (default "postgres://localhost:5432/networkmaster?sslmode=disable")
//   - NM_DB_MAX_CONNECTIONS: max open DB connections (default 25)
//   - NM_JWT_SECRET, NM_JWT_EXPIRY_HOURS: dashboard session token signing
//   - NM_METRICS_PORT: health/metrics listener port (default "9090")
//   - SERVICE_NAME, SERVICE_VERSION, ENVIRONMENT, NM_LOG_LEVEL: observability identity
//   - NM_RELEASE_BINARY_PATH, NM_VERSION_MANIFEST_PATH, NM_UPDATE_DIR: the Update Watcher's inputs and the /updates/ file server root
//   - NM_STATS_AGGREGATION_INTERVAL_SECS: the hourly-rollup aggregator's tick interval (default 300)
//
// # nm-agent
//
//	cfg, err := config.LoadAgentConfig("/etc/nm-agent/config.ini")
//
// LoadAgentConfig parses the key=value agent config file the install
// subcommand writes (server_url, agent_id, api_key, log_level, log_file,
// reconnect_max_delay_secs, default_timeout_ms), then applies
// NM_SERVER_URL / NM_AGENT_ID / NM_API_KEY / NM_LOG_LEVEL environment
// overrides on top. A missing file is not an error: defaults plus any
// environment overrides are returned, since install may not have run
// yet in a test environment.
package config
