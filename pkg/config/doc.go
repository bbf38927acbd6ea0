// Package config loads the AquaOps engine configuration.
//
// # Sources
//
// Values are layered, lowest precedence first:
//
//   - built-in defaults (see Default)
//   - a YAML config file (aquaops.yaml in the working directory or /etc/aquaops)
//   - a .env file in the working directory
//   - AQUAOPS_* environment variables, with dots in keys replaced by underscores
//
// For example AQUAOPS_STORE_DRIVER=postgres selects PostgreSQL and
// AQUAOPS_WORKERS_PM_TICK=30m shortens the PM tick interval.
//
// # Usage Example
//
//	cfg, err := config.Load("")
//	if err != nil {
//		return err
//	}
//	store, err := stores.New(cfg.Store)
//
// # Validation
//
// Load validates struct tags with go-playground/validator and then checks
// settings that depend on each other: PostgreSQL needs a DSN, the gateway
// collaborator mode needs a base URL, and transport settings are only checked
// when that transport is enabled.
package config
