package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/coscientist-ai/coscientist/pkg/health"
)

// TestConnectivity checks that the default provider answers its model
// listing endpoint.
func (g *Gateway) TestConnectivity(ctx context.Context) error {
	provider, err := g.providers.Default()
	if err != nil {
		return err
	}
	if _, err := provider.ListModels(ctx); err != nil {
		return fmt.Errorf("connectivity check failed: %w", err)
	}
	return nil
}

// VerifyModelAccess checks that the upstream exposes the given model.
// Proxy-prefixed names like "argo:gpt-4" match their bare form.
func (g *Gateway) VerifyModelAccess(ctx context.Context, model string) error {
	provider, err := g.providers.Default()
	if err != nil {
		return err
	}
	upstream, err := provider.ListModels(ctx)
	if err != nil {
		return err
	}
	want := g.caps.Resolve(model)
	for _, m := range upstream {
		if normalizeModelID(m) == want {
			return nil
		}
	}
	return fmt.Errorf("model %s not available upstream", model)
}

// HealthStatus probes the upstream and reports per-model availability
// for every registered model. It implements health.Prober.
func (g *Gateway) HealthStatus(ctx context.Context) (*health.Report, error) {
	provider, err := g.providers.Default()
	if err != nil {
		return nil, err
	}
	upstream, err := provider.ListModels(ctx)
	if err != nil {
		return &health.Report{Status: health.StatusUnhealthy, Models: map[string]bool{}}, err
	}

	available := make(map[string]bool, len(upstream))
	for _, m := range upstream {
		available[normalizeModelID(m)] = true
	}

	models := make(map[string]bool)
	up := 0
	for _, m := range g.caps.Models() {
		ok := available[m]
		models[m] = ok
		if ok {
			up++
		}
	}

	status := health.StatusHealthy
	switch {
	case len(models) == 0:
		status = health.StatusUnknown
	case up == 0:
		status = health.StatusUnhealthy
	case up < len(models):
		status = health.StatusDegraded
	}

	// Providers with a dedicated health endpoint can downgrade the verdict.
	if hp, ok := provider.(interface {
		Health(context.Context) (string, error)
	}); ok {
		if s, err := hp.Health(ctx); err == nil {
			switch s {
			case "unhealthy":
				status = health.StatusUnhealthy
			case "degraded":
				if status == health.StatusHealthy {
					status = health.StatusDegraded
				}
			}
		}
	}
	return &health.Report{Status: status, Models: models}, nil
}

// normalizeModelID strips proxy routing prefixes ("argo:gpt-4").
func normalizeModelID(id string) string {
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[i+1:]
	}
	return id
}
