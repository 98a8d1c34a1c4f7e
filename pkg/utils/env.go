package utils

import (
	"os"
	"path/filepath"
	"strings"
)

func ParseWithFallback(envName string, fallback string) string {
	if result := strings.TrimSpace(os.Getenv(envName)); result != "" {
		return result
	}

	return fallback
}

// ConfigPath resolves a service's YAML file: CONFIG_PATH wins over
// ./config/<service>.yaml.
func ConfigPath(service string) string {
	return ParseWithFallback("CONFIG_PATH", filepath.Join(".", "config", service+".yaml"))
}
