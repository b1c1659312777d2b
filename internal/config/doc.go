// Package config loads and validates bridge configuration from YAML files.
//
// Environment variables referenced as ${VAR} in the file are expanded before
// parsing, so secrets like the chat token stay out of the file itself.
package config
