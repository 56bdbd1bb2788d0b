package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Node.LogLevel != "info" {
		t.Errorf("Node.LogLevel = %s, want info", cfg.Node.LogLevel)
	}
	if cfg.Node.LogFormat != "text" {
		t.Errorf("Node.LogFormat = %s, want text", cfg.Node.LogFormat)
	}
	if cfg.Limits.CreateTimeout != 30*time.Second {
		t.Errorf("Limits.CreateTimeout = %v, want 30s", cfg.Limits.CreateTimeout)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = true, want false")
	}
}

func TestParse_ListenWithTunnels(t *testing.T) {
	yamlConfig := `
node:
  log_level: debug
  log_format: json

listen:
  address: ":8443"
  path: /tunnel

tunnels:
  - direction: forward
    local_port: 2222
    remote_port: 22
  - direction: reverse
    local_port: 8080
    remote_port: 9090
    family: ipv6
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Node.LogLevel != "debug" {
		t.Errorf("Node.LogLevel = %s, want debug", cfg.Node.LogLevel)
	}
	if cfg.Listen == nil || cfg.Listen.Address != ":8443" {
		t.Fatalf("Listen = %+v, want address :8443", cfg.Listen)
	}
	if len(cfg.Tunnels) != 2 {
		t.Fatalf("len(Tunnels) = %d, want 2", len(cfg.Tunnels))
	}
	if cfg.Tunnels[0].Direction != "forward" || cfg.Tunnels[0].RemotePort != 22 {
		t.Errorf("Tunnels[0] = %+v", cfg.Tunnels[0])
	}
	if cfg.Tunnels[1].Family != "ipv6" {
		t.Errorf("Tunnels[1].Family = %s, want ipv6", cfg.Tunnels[1].Family)
	}
}

func TestParse_DialConfig(t *testing.T) {
	yamlConfig := `
dial:
  url: "wss://relay.example.com:8443/tunnel"
tunnels:
  - direction: forward
    local_port: 2222
    remote_port: 22
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Dial == nil || cfg.Dial.URL != "wss://relay.example.com:8443/tunnel" {
		t.Fatalf("Dial = %+v", cfg.Dial)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	yamlConfig := `
node:
  log_level: debug
  invalid yaml here [
`
	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name:      "invalid log level",
			yaml:      "node:\n  log_level: invalid\nlisten:\n  address: \":8443\"\n",
			wantError: "invalid log_level",
		},
		{
			name:      "no listen or dial",
			yaml:      "node:\n  log_level: info\n",
			wantError: "one of listen or dial is required",
		},
		{
			name:      "both listen and dial",
			yaml:      "listen:\n  address: \":8443\"\ndial:\n  url: \"ws://x\"\n",
			wantError: "mutually exclusive",
		},
		{
			name:      "listen missing address",
			yaml:      "listen: {}\n",
			wantError: "listen.address is required",
		},
		{
			name:      "dial missing url",
			yaml:      "dial: {}\n",
			wantError: "dial.url is required",
		},
		{
			name: "tunnel invalid direction",
			yaml: `
listen:
  address: ":8443"
tunnels:
  - direction: sideways
    local_port: 1
    remote_port: 1
`,
			wantError: "invalid direction",
		},
		{
			name: "tunnel port out of range",
			yaml: `
listen:
  address: ":8443"
tunnels:
  - direction: forward
    local_port: 70000
    remote_port: 22
`,
			wantError: "out of range",
		},
		{
			name:      "metrics enabled without address",
			yaml:      "listen:\n  address: \":8443\"\nmetrics:\n  enabled: true\n  address: \"\"\n",
			wantError: "metrics.address is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	os.Setenv("TEST_LISTEN_ADDR", ":9443")
	defer os.Unsetenv("TEST_LISTEN_ADDR")

	yamlConfig := `
listen:
  address: "${TEST_LISTEN_ADDR}"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Listen.Address != ":9443" {
		t.Errorf("Listen.Address = %s, want :9443", cfg.Listen.Address)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
listen:
  address: "${NONEXISTENT_VAR:-:8443}"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Listen.Address != ":8443" {
		t.Errorf("Listen.Address = %s, want :8443", cfg.Listen.Address)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should fail for nonexistent file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := "node:\n  log_level: debug\nlisten:\n  address: \":8443\"\n"
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Node.LogLevel != "debug" {
		t.Errorf("Node.LogLevel = %s, want debug", cfg.Node.LogLevel)
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Default()
	cfg.Listen = &ListenConfig{
		Address: ":8443",
		TLS:     TLSConfig{Cert: "cert.pem", Key: "/secrets/key.pem"},
	}

	if !cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = false, want true")
	}

	redacted := cfg.Redacted()
	if redacted.Listen.TLS.Key != redactedValue {
		t.Errorf("Listen.TLS.Key = %s, want redacted", redacted.Listen.TLS.Key)
	}
	if redacted.Listen.TLS.Cert != "cert.pem" {
		t.Errorf("Listen.TLS.Cert should not be redacted, got %s", redacted.Listen.TLS.Cert)
	}

	s := cfg.String()
	if strings.Contains(s, "/secrets/key.pem") {
		t.Error("String() leaked the key path")
	}
}

func TestDurationParsing(t *testing.T) {
	yamlConfig := `
listen:
  address: ":8443"
limits:
  create_timeout: 45s
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Limits.CreateTimeout != 45*time.Second {
		t.Errorf("Limits.CreateTimeout = %v, want 45s", cfg.Limits.CreateTimeout)
	}
}
