package config

import "errors"

var (
	// ErrConfigFileNotFound indicates that the config file was not found
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file has invalid YAML
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")

	// ErrMissingRemoteURL indicates that remote.base_url is not configured
	ErrMissingRemoteURL = errors.New("remote.base_url is required in configuration")

	// ErrMissingServerAddr indicates that server.addr is empty
	ErrMissingServerAddr = errors.New("server.addr is required in configuration")
)
