package notify

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/security"
)

// ChannelSpec is one entry of the channels file.
type ChannelSpec struct {
	Name      string   `yaml:"name"`
	URL       string   `yaml:"url"`
	Secret    string   `yaml:"secret"`
	Decisions []string `yaml:"decisions"`
}

type channelsFile struct {
	Channels []ChannelSpec `yaml:"channels"`
}

// LoadRoutes reads a YAML channels file. ${VAR} references are expanded
// from the environment before parsing.
func LoadRoutes(ctx context.Context, path string, policy security.EndpointPolicy, client *http.Client) ([]Route, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}
	return ParseRoutes(ctx, data, policy, client)
}

// ParseRoutes parses channels YAML into webhook routes.
func ParseRoutes(ctx context.Context, data []byte, policy security.EndpointPolicy, client *http.Client) ([]Route, error) {
	var file channelsFile
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse channels file: %w", err)
	}
	if len(file.Channels) == 0 {
		return nil, fmt.Errorf("channels file defines no channels")
	}

	seen := make(map[string]bool, len(file.Channels))
	routes := make([]Route, 0, len(file.Channels))
	for i, spec := range file.Channels {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, fmt.Errorf("channel %d: name is required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("channel %q: duplicate name", name)
		}
		seen[name] = true

		if err := policy.Validate(ctx, spec.URL); err != nil {
			return nil, fmt.Errorf("channel %q: %w", name, err)
		}

		var decisions []decision.Decision
		for _, raw := range spec.Decisions {
			d, ok := decision.Parse(raw)
			if !ok || !d.Notifies() {
				return nil, fmt.Errorf("channel %q: decision %q is not HOLD or BLOCK", name, raw)
			}
			decisions = append(decisions, d)
		}

		routes = append(routes, Route{
			Channel:   NewWebhookChannel(name, spec.URL, spec.Secret, client),
			Decisions: decisions,
		})
	}
	return routes, nil
}
