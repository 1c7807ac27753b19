package enforcement

import (
	"context"
	"errors"
	"testing"
)

func TestGeoRestrictor_AllowsListedCountry(t *testing.T) {
	g := NewGeoRestrictor(func(ip string) (string, error) { return "US", nil })
	target := &Target{DestinationIP: "1.2.3.4"}

	if err := g.Transform(context.Background(), nil, target, "geo-restrictor:US,CA"); err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
}

func TestGeoRestrictor_RejectsUnlistedCountry(t *testing.T) {
	g := NewGeoRestrictor(func(ip string) (string, error) { return "RU", nil })
	target := &Target{DestinationIP: "1.2.3.4"}

	err := g.Transform(context.Background(), nil, target, "geo-restrictor:US,CA")
	if !errors.Is(err, ErrGeoRestricted) {
		t.Errorf("expected ErrGeoRestricted, got %v", err)
	}
}

func TestGeoRestrictor_NoopWithoutArgsOrDestination(t *testing.T) {
	g := NewGeoRestrictor(func(ip string) (string, error) { return "RU", nil })

	if err := g.Transform(context.Background(), nil, &Target{DestinationIP: "1.2.3.4"}, "geo-restrictor"); err != nil {
		t.Errorf("bare directive should be a no-op, got %v", err)
	}
	if err := g.Transform(context.Background(), nil, &Target{}, "geo-restrictor:US"); err != nil {
		t.Errorf("missing destination IP should be a no-op, got %v", err)
	}
}

func TestGeoRestrictor_FailsOpenOnUnresolvedCountry(t *testing.T) {
	g := NewGeoRestrictor(nil)
	target := &Target{DestinationIP: "1.2.3.4"}

	if err := g.Transform(context.Background(), nil, target, "geo-restrictor:US"); err != nil {
		t.Errorf("unresolved country should fail open, got %v", err)
	}
}

func TestGeoRestrictor_FailsOpenOnResolverError(t *testing.T) {
	g := NewGeoRestrictor(func(ip string) (string, error) { return "", errors.New("lookup failed") })
	target := &Target{DestinationIP: "1.2.3.4"}

	if err := g.Transform(context.Background(), nil, target, "geo-restrictor:US"); err != nil {
		t.Errorf("resolver error should fail open, got %v", err)
	}
}
