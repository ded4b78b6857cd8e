package models

import (
	"fmt"
	"slices"
	"strings"
)

// Cluster is a tracked political entity plus its monitoring configuration.
type Cluster struct {
	ID       string                    `json:"id"`
	Name     string                    `json:"name"`
	Type     ClusterType               `json:"type"`
	Keywords []string                  `json:"keywords"`
	Entities []string                  `json:"entities,omitempty"`
	Sources  map[Platform]SourceConfig `json:"sources"`
	Active   bool                      `json:"active"`
}

// ClusterType classifies a cluster as the operator's own entity or a competitor.
type ClusterType string

const (
	ClusterTypeOwn        ClusterType = "own"
	ClusterTypeCompetitor ClusterType = "competitor"
)

// Platform identifies the external content source an adapter talks to.
type Platform string

const (
	PlatformTwitter  Platform = "twitter"  // short-form social
	PlatformYouTube  Platform = "youtube"  // long video
	PlatformFacebook Platform = "facebook" // media pages
	PlatformNews     Platform = "news"     // news feed
)

// AllPlatforms lists every supported platform in a stable order.
func AllPlatforms() []Platform {
	return []Platform{PlatformTwitter, PlatformYouTube, PlatformFacebook, PlatformNews}
}

// ParsePlatform validates a platform identifier.
func ParsePlatform(raw string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	if slices.Contains(AllPlatforms(), p) {
		return p, nil
	}
	return "", fmt.Errorf("unknown platform %q", raw)
}

// SourceConfig is the per-source monitoring configuration of a cluster.
type SourceConfig struct {
	Enabled       bool   `json:"enabled"`
	MaxResults    int    `json:"max_results"`
	Language      string `json:"language,omitempty"`
	Region        string `json:"region,omitempty"`
	MinEngagement int64  `json:"min_engagement,omitempty"`
}

// Validate checks the structural invariants of a cluster definition.
func (c Cluster) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("cluster id is required")
	}
	switch c.Type {
	case ClusterTypeOwn, ClusterTypeCompetitor:
	default:
		return fmt.Errorf("cluster %s: invalid type %q", c.ID, c.Type)
	}
	if len(c.Keywords) == 0 {
		return fmt.Errorf("cluster %s: keyword set must not be empty", c.ID)
	}
	return nil
}

// EnabledSources returns the platforms enabled on the cluster, optionally
// restricted to the requested subset, in stable order.
func (c Cluster) EnabledSources(only []Platform) []Platform {
	var out []Platform
	for _, p := range AllPlatforms() {
		cfg, ok := c.Sources[p]
		if !ok || !cfg.Enabled {
			continue
		}
		if len(only) > 0 && !slices.Contains(only, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// EntityNames returns the entities sentiment is tracked for. The cluster name
// is always included.
func (c Cluster) EntityNames() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range append([]string{c.Name}, c.Entities...) {
		e = strings.TrimSpace(e)
		if e == "" || seen[strings.ToLower(e)] {
			continue
		}
		seen[strings.ToLower(e)] = true
		out = append(out, e)
	}
	return out
}
