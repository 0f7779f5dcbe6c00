package gateway

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultGatewayPort = 18789

// Endpoint is the resolved gateway address and credential.
type Endpoint struct {
	URL   string
	Token string
}

type endpointFile struct {
	Gateway struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
		Auth struct {
			Token string `yaml:"token"`
		} `yaml:"auth"`
	} `yaml:"gateway"`
}

// LoadEndpoint reads the gateway's own config file to discover where it
// listens and which token it expects. tokenOverride, when non-empty,
// wins over the token in the file.
func LoadEndpoint(path, tokenOverride string) (Endpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Endpoint{}, fmt.Errorf("read gateway config: %w", err)
	}

	var file endpointFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Endpoint{}, fmt.Errorf("parse gateway config: %w", err)
	}

	host := strings.TrimSpace(file.Gateway.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := file.Gateway.Port
	if port == 0 {
		port = defaultGatewayPort
	}

	token := strings.TrimSpace(tokenOverride)
	if token == "" {
		token = strings.TrimSpace(file.Gateway.Auth.Token)
	}
	if token == "" {
		return Endpoint{}, fmt.Errorf("gateway auth token not found in %s", path)
	}

	return Endpoint{
		URL:   fmt.Sprintf("ws://%s:%d", host, port),
		Token: token,
	}, nil
}
