package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port == "" {
		t.Fatalf("expected default port")
	}
	if cfg.Address() != ":"+cfg.Port {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
	if cfg.ShippingFlatFeeCents <= 0 {
		t.Fatalf("expected a positive default shipping fee")
	}
	if cfg.AccessTokenTTLMinutes < 1 {
		t.Fatalf("expected positive token ttl")
	}
}

func TestShippingPolicyOverrides(t *testing.T) {
	t.Setenv("SHIPPING_FLAT_FEE_CENTS", "30000")
	t.Setenv("FREE_SHIPPING_THRESHOLD_CENTS", "100000")

	cfg := Load()
	if cfg.ShippingFlatFeeCents != 30000 {
		t.Fatalf("want 30000, got %d", cfg.ShippingFlatFeeCents)
	}
	if cfg.FreeShippingThresholdCents != 100000 {
		t.Fatalf("want 100000, got %d", cfg.FreeShippingThresholdCents)
	}
}

func TestInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("SHIPPING_FLAT_FEE_CENTS", "-5")
	t.Setenv("AVAILABILITY_TTL_SECONDS", "zero")

	cfg := Load()
	if cfg.ShippingFlatFeeCents != 50000 {
		t.Fatalf("negative fee should fall back, got %d", cfg.ShippingFlatFeeCents)
	}
	if cfg.AvailabilityTTLSeconds != 15 {
		t.Fatalf("bad ttl should fall back, got %d", cfg.AvailabilityTTLSeconds)
	}
}
