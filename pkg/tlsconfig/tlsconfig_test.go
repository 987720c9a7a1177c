package tlsconfig

import (
	"crypto/tls"
	"testing"
)

func TestApplyVersionProfile(t *testing.T) {
	cfg := &tls.Config{}
	ApplyVersionProfile(cfg, ProfileSecure)
	if cfg.MinVersion != VersionTLS12 || cfg.MaxVersion != VersionTLS13 {
		t.Fatalf("unexpected profile application: min=%x max=%x", cfg.MinVersion, cfg.MaxVersion)
	}
}

func TestApplyCipherSuites(t *testing.T) {
	cfg := &tls.Config{}
	ApplyCipherSuites(cfg, VersionTLS13)
	if cfg.CipherSuites != nil {
		t.Fatalf("expected nil cipher suites for TLS 1.3 (negotiated automatically)")
	}

	ApplyCipherSuites(cfg, VersionTLS12)
	if len(cfg.CipherSuites) == 0 {
		t.Fatalf("expected secure TLS 1.2 cipher suites to be set")
	}
}

func TestIsVersionDeprecated(t *testing.T) {
	if !IsVersionDeprecated(VersionTLS11) {
		t.Fatalf("expected TLS 1.1 to be deprecated")
	}
	if IsVersionDeprecated(VersionTLS12) {
		t.Fatalf("expected TLS 1.2 not to be deprecated")
	}
}

func TestGetVersionName(t *testing.T) {
	if GetVersionName(VersionTLS13) != "TLS 1.3" {
		t.Fatalf("unexpected version name")
	}
	if GetVersionName(0x9999) != "Unknown" {
		t.Fatalf("expected unknown version name for unrecognized version")
	}
}
