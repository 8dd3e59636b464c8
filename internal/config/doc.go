// Package config provides environment-based configuration.
//
// Loads from .env file (godotenv), maps to Config struct via go-simpler/env
// struct tags. Validates log settings, scanner timing knobs, and connection
// limits.
package config
