package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "h2session.yaml")
	if err := os.WriteFile(path, []byte("server:\n  plain: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Server.Listen != ":8443" {
		t.Fatalf("Listen = %q, want default", c.Server.Listen)
	}
	if c.Server.MaxConcurrentStreams != 250 {
		t.Fatalf("MaxConcurrentStreams = %d, want 250", c.Server.MaxConcurrentStreams)
	}
	if c.Client.NegotiationRPS != 2 {
		t.Fatalf("NegotiationRPS = %v, want 2", c.Client.NegotiationRPS)
	}
	if c.Logging.Level != "info" {
		t.Fatalf("Logging.Level = %q, want info", c.Logging.Level)
	}
}

func TestServerConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"plain ok", ServerConfig{Listen: ":80", Plain: true}, false},
		{"plain with cert rejected", ServerConfig{Listen: ":80", Plain: true, CertFile: "a"}, true},
		{"tls ok", ServerConfig{Listen: ":443", CertFile: "a", KeyFile: "b"}, false},
		{"tls missing key", ServerConfig{Listen: ":443", CertFile: "a"}, true},
		{"missing listen", ServerConfig{Plain: true}, true},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err=%v, wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}
