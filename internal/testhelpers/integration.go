//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if MEMCACHED_ADDRS is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	addr := os.Getenv("MEMCACHED_ADDRS")
	if addr == "" {
		t.Skip("MEMCACHED_ADDRS not set, skipping integration test")
	}
	return IntegrationTestConfig{MemcachedAddr: addr}
}
