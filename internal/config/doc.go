// Package config loads the daemon configuration from a single JSON or YAML
// file, fills defaults, resolves relative paths against the file's directory
// and pulls secrets from the environment through the *_env indirections.
package config
