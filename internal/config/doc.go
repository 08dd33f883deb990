// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Exchanges are selected by built-in profile name; any profile field can be
// overridden per exchange, and unknown names define custom exchanges.
package config
