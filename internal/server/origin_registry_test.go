package server

import (
	"testing"

	"github.com/bonusperme/swcache/internal/config"
)

func newTestConfig(upstream string, port int) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{ListenPort: port},
		Worker: config.WorkerConfig{
			CacheName: "bonusperme-v2",
			Origin:    "https://bonusperme.it",
			Upstream:  upstream,
		},
		Passthrough: []config.PassthroughConfig{
			{Name: "fonts", Domain: "fonts.bonusperme.it", Upstream: "https://fonts.gstatic.com"},
		},
	}
}

func newTestRegistry(t *testing.T, upstream string, port int) *OriginRegistry {
	t.Helper()
	registry, err := NewOriginRegistry(newTestConfig(upstream, port))
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	return registry
}

func TestOriginRegistryLookupByHost(t *testing.T) {
	registry := newTestRegistry(t, "http://127.0.0.1:8080", 5000)

	route, ok := registry.Lookup("bonusperme.it")
	if !ok {
		t.Fatalf("expected worker route")
	}
	if route.Name != WorkerRouteName || !route.Scoped {
		t.Fatalf("unexpected worker route %+v", route)
	}
	if route.UpstreamURL.Host != "127.0.0.1:8080" {
		t.Fatalf("unexpected upstream %s", route.UpstreamURL)
	}

	fonts, ok := registry.Lookup("fonts.bonusperme.it")
	if !ok || fonts.Scoped || fonts.Name != "fonts" {
		t.Fatalf("unexpected passthrough route %+v", fonts)
	}
}

func TestOriginRegistryLookupNormalisesHost(t *testing.T) {
	registry := newTestRegistry(t, "http://127.0.0.1:8080", 5000)

	for _, host := range []string{"BonusPerMe.it", "bonusperme.it:5000", "bonusperme.it."} {
		if _, ok := registry.Lookup(host); !ok {
			t.Fatalf("expected lookup of %q to succeed", host)
		}
	}
	if _, ok := registry.Lookup(""); ok {
		t.Fatalf("empty host must not match")
	}
	if _, ok := registry.Lookup("unknown.local"); ok {
		t.Fatalf("unknown host must not match")
	}
}

func TestOriginRegistryRejectsDuplicateDomain(t *testing.T) {
	cfg := newTestConfig("http://127.0.0.1:8080", 5000)
	cfg.Passthrough = append(cfg.Passthrough, config.PassthroughConfig{
		Name: "again", Domain: "FONTS.bonusperme.it", Upstream: "https://example.com",
	})
	if _, err := NewOriginRegistry(cfg); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}

func TestOriginRegistryRejectsInvalidUpstream(t *testing.T) {
	cfg := newTestConfig("not a url", 5000)
	if _, err := NewOriginRegistry(cfg); err == nil {
		t.Fatalf("expected upstream error")
	}
}

func TestOriginRegistryListKeepsOrder(t *testing.T) {
	registry := newTestRegistry(t, "http://127.0.0.1:8080", 5000)
	routes := registry.List()
	if len(routes) != 2 || routes[0].Name != WorkerRouteName || routes[1].Name != "fonts" {
		t.Fatalf("unexpected routes %+v", routes)
	}
}
