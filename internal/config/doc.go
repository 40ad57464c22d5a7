// Package config loads, validates, and defaults montage's TOML
// configuration.
package config
