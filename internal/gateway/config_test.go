package gateway

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGatewayConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadEndpoint(t *testing.T) {
	t.Parallel()

	path := writeGatewayConfig(t, `
gateway:
  host: 10.0.0.5
  port: 19001
  auth:
    token: secret-token
`)
	endpoint, err := LoadEndpoint(path, "")
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.5:19001", endpoint.URL)
	assert.Equal(t, "secret-token", endpoint.Token)
}

func TestLoadEndpointDefaults(t *testing.T) {
	t.Parallel()

	path := writeGatewayConfig(t, `
gateway:
  auth:
    token: t
`)
	endpoint, err := LoadEndpoint(path, "")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:18789", endpoint.URL)
}

func TestLoadEndpointTokenOverride(t *testing.T) {
	t.Parallel()

	path := writeGatewayConfig(t, `
gateway:
  auth:
    token: from-file
`)
	endpoint, err := LoadEndpoint(path, "override")
	require.NoError(t, err)
	assert.Equal(t, "override", endpoint.Token)
}

func TestLoadEndpointMissingToken(t *testing.T) {
	t.Parallel()

	path := writeGatewayConfig(t, "gateway:\n  port: 1\n")
	_, err := LoadEndpoint(path, "")
	require.Error(t, err)
}

func TestLoadEndpointMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadEndpoint(filepath.Join(t.TempDir(), "nope.yaml"), "")
	require.Error(t, err)
}
