// Package config resolves the agent's boot configuration from the
// environment variables the external scheduler injects, optionally
// overlaid with a static YAML file for the Clustering Model's tunables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Boot is resolved once at process start from environment variables.
type Boot struct {
	Cluster   string
	Namespace string
	Port      int
	Debug     bool
	Start     bool
	Local     bool
}

// FromEnv reads the ochopod_* environment variables the runtime injects into
// every pod's container (cluster/namespace/port/task assignment).
func FromEnv() (Boot, error) {
	b := Boot{
		Cluster:   os.Getenv("ochopod_cluster"),
		Namespace: getenvDefault("ochopod_namespace", "default"),
		Port:      8080,
		Debug:     truthy(os.Getenv("ochopod_debug")),
		Start:     truthy(os.Getenv("ochopod_start")),
		Local:     truthy(os.Getenv("ochopod_local")),
	}

	if b.Cluster == "" {
		return Boot{}, fmt.Errorf("config: ochopod_cluster is required")
	}

	if raw := os.Getenv("ochopod_port"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Boot{}, fmt.Errorf("config: invalid ochopod_port %q: %w", raw, err)
		}
		b.Port = port
	}

	return b, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Model is the Clustering Model's static configuration surface, loadable
// from a YAML file pointed to by
// $OCHOPOD_CONFIG. LoadModel reads only that file; no environment variable
// overrides any of these values.
type Model struct {
	Damper      float64  `yaml:"damper"`
	DependsOn   []string `yaml:"depends_on"`
	FullShutdown bool    `yaml:"full_shutdown"`
	Grace       float64  `yaml:"grace"`
	Sequential  bool     `yaml:"sequential"`
	ProbeEvery  float64  `yaml:"probe_every"`
}

// DefaultModel returns the Clustering Model's out-of-the-box tunables.
func DefaultModel() Model {
	return Model{
		Damper:     0,
		Grace:      60,
		ProbeEvery: 60,
	}
}

// LoadModel reads the optional YAML config file. A missing $OCHOPOD_CONFIG
// is not an error -- DefaultModel() is returned unchanged.
func LoadModel() (Model, error) {
	m := DefaultModel()

	path := os.Getenv("OCHOPOD_CONFIG")
	if path == "" {
		return m, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Model{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Model{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return m, nil
}
