// Package config loads the TinyAgent configuration from a YAML file, an
// optional .env file and TINYAGENT_* environment variables. Relative paths
// are resolved against the directory holding the configuration file.
package config
