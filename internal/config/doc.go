// Package config loads the service configuration from YAML. Missing fields
// keep the values from Default, and every section validates itself.
package config
