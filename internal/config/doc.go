// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Struct tags are checked with go-playground/validator; cross-field rules that
// depend on enabled sections are checked by hand.
package config
