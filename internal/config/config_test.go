package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenPort != defaultListenPort {
		t.Errorf("ListenPort = %d, want %d", cfg.ListenPort, defaultListenPort)
	}
	if cfg.Transport != defaultTransport {
		t.Errorf("Transport = %q, want %q", cfg.Transport, defaultTransport)
	}
	if cfg.TLSEnabled() {
		t.Errorf("TLSEnabled() = true for udp transport")
	}
}

func TestLoadRejectsBadTransport(t *testing.T) {
	_, err := Load([]string{"-transport=sctp"})
	if err == nil {
		t.Fatal("expected error for unsupported transport")
	}
}

func TestLoadRequiresTLSCertWhenTLSTransport(t *testing.T) {
	_, err := Load([]string{"-transport=tls"})
	if err == nil {
		t.Fatal("expected error for tls transport without cert/key")
	}
}

func TestLoadRequiresBothAuthFields(t *testing.T) {
	_, err := Load([]string{"-auth-user=alice"})
	if err == nil {
		t.Fatal("expected error when only auth-user is set")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SIPUAD_LISTEN_PORT", "5070")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenPort != 5070 {
		t.Errorf("ListenPort = %d, want 5070 from env", cfg.ListenPort)
	}
}

func TestLoadFlagWinsOverEnv(t *testing.T) {
	t.Setenv("SIPUAD_LISTEN_PORT", "5070")

	cfg, err := Load([]string{"-listen-port=5080"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenPort != 5080 {
		t.Errorf("ListenPort = %d, want 5080 from explicit flag", cfg.ListenPort)
	}
}

func TestAddrFormatting(t *testing.T) {
	cfg, err := Load([]string{"-listen-addr=127.0.0.1", "-listen-port=5061"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, want := cfg.Addr(), "127.0.0.1:5061"; got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}

func TestHasCredential(t *testing.T) {
	cfg, err := Load([]string{"-auth-user=alice", "-auth-pass=secret"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.HasCredential() {
		t.Errorf("HasCredential() = false, want true")
	}
}
