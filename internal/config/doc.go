// Package config handles configuration loading for consult-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (by extension) with
// environment variable expansion. Missing optional values get defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CONSULT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/consult/gateway.yaml
//  3. ~/.config/consult/gateway.yaml
//
// # Environment Variable Expansion
//
//	engine:
//	  api_key: "${CONSULT_ENGINE_KEY}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"     # Client API
//	  grpc_addr: "0.0.0.0:50051"    # gRPC health service (optional)
//
//	database:
//	  path: "/var/lib/consult/gateway.db"
//
//	engine:
//	  base_url: "http://engine:9000"
//	  interactive_route: "/expert"
//	  mission_route: "/mission"
//	  preflight_timeout: "3s"
//	  connect_timeout: "10s"
//	  retry:
//	    max_retries: 2
//
//	relay:
//	  buffer: 64
//
//	checkpoints:
//	  default_ttl: "30m"
//	  sweep_interval: "30s"
//
//	redis:
//	  addr: ""            # empty keeps session leases in memory
//
//	policy:
//	  default_budget_ceiling: 100
//	  tenants:
//	    acme:
//	      budget_ceiling: 1000
//	      allowed_tools: ["search"]
//
// Duration values use Go's time.ParseDuration syntax.
package config
