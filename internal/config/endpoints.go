package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MaxPageSize is the largest page the upstream report API accepts
const MaxPageSize = 2000

// EndpointConfig describes one upstream report endpoint
type EndpointConfig struct {
	Name       string            `yaml:"name"`
	SourceType string            `yaml:"source_type"`
	Path       string            `yaml:"path"`
	Params     map[string]string `yaml:"params"`
}

type endpointsFile struct {
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// DefaultEndpoints returns the built-in endpoint catalogue
func DefaultEndpoints() []EndpointConfig {
	return []EndpointConfig{
		{Name: "campaigns_activity", SourceType: "campaign", Path: "/api/v2/reports/campaigns/leads/activity"},
		{Name: "queues_inbound", SourceType: "inbound_queue", Path: "/api/v2/reports/queues/calls/inbound"},
		{Name: "queues_outbound", SourceType: "outbound_queue", Path: "/api/v2/reports/queues/calls/outbound"},
		{Name: "cdrs", SourceType: "cdr", Path: "/api/v2/reports/cdrs"},
	}
}

// LoadEndpoints reads an endpoint catalogue from a YAML file
func LoadEndpoints(path string) ([]EndpointConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read endpoints file: %w", err)
	}
	return ParseEndpoints(data)
}

// ParseEndpoints decodes and validates a YAML endpoint catalogue
func ParseEndpoints(data []byte) ([]EndpointConfig, error) {
	var f endpointsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse endpoints file: %w", err)
	}
	if len(f.Endpoints) == 0 {
		return nil, fmt.Errorf("endpoints file defines no endpoints")
	}

	seen := make(map[string]bool, len(f.Endpoints))
	for i, ep := range f.Endpoints {
		if ep.Name == "" {
			return nil, fmt.Errorf("endpoint %d: name is required", i)
		}
		if seen[ep.Name] {
			return nil, fmt.Errorf("endpoint %q: duplicate name", ep.Name)
		}
		seen[ep.Name] = true
		switch ep.SourceType {
		case "campaign", "inbound_queue", "outbound_queue", "cdr":
		default:
			return nil, fmt.Errorf("endpoint %q: invalid source_type %q", ep.Name, ep.SourceType)
		}
		if ep.Path == "" {
			return nil, fmt.Errorf("endpoint %q: path is required", ep.Name)
		}
	}
	return f.Endpoints, nil
}
