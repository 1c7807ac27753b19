package enforcement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aegisgate/aegisgate/internal/domain/decision"
)

// ErrGeoRestricted is returned when the action's destination IP resolves
// outside the directive's allowed region list.
var ErrGeoRestricted = errors.New("enforcement: destination outside allowed region")

// CountryResolver maps an IP to an ISO 3166-1 alpha-2 country code. An empty
// result with a nil error means "unknown" and is treated as fail-open,
// matching the DNS resolver's fail-open convention for unresolvable hosts.
type CountryResolver func(ip string) (string, error)

// GeoRestrictor is the "geo-restrictor" constraint transformer. Directive
// syntax is "geo-restrictor:US,CA,GB": the destination IP's resolved
// country must be in the list, or the action is rejected. A bare
// "geo-restrictor" directive with no country list is a no-op.
type GeoRestrictor struct {
	resolve CountryResolver
}

// NewGeoRestrictor creates a GeoRestrictor using resolver to map
// destination IPs to country codes. A nil resolver always resolves to
// "unknown" (fail-open).
func NewGeoRestrictor(resolver CountryResolver) *GeoRestrictor {
	if resolver == nil {
		resolver = func(string) (string, error) { return "", nil }
	}
	return &GeoRestrictor{resolve: resolver}
}

// Name implements ConstraintTransformer.
func (g *GeoRestrictor) Name() string { return "geo-restrictor" }

// CanHandle implements ConstraintTransformer.
func (g *GeoRestrictor) CanHandle(constraint string) bool {
	return directiveName(constraint) == g.Name()
}

// Transform implements ConstraintTransformer.
func (g *GeoRestrictor) Transform(_ context.Context, _ *decision.Context, t *Target, constraint string) error {
	allowed := directiveArgs(constraint)
	if len(allowed) == 0 || t.DestinationIP == "" {
		return nil
	}
	country, err := g.resolve(t.DestinationIP)
	if err != nil || country == "" {
		return nil
	}
	for _, a := range allowed {
		if strings.EqualFold(a, country) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not in %v", ErrGeoRestricted, country, allowed)
}

var _ ConstraintTransformer = (*GeoRestrictor)(nil)
