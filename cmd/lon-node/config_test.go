package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
[interface]
device = "/dev/ttyUSB0"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Interface.Model != "u50" || cfg.Interface.Layer != 5 {
		t.Errorf("interface defaults: %+v", cfg.Interface)
	}
	if cfg.Isi.Type != "s" || cfg.Isi.Connections != 32 || cfg.Isi.RepeatCount != 2 {
		t.Errorf("isi defaults: %+v", cfg.Isi)
	}
	if cfg.Persist.Dir == "" || cfg.Persist.AppSignature == 0 {
		t.Errorf("persist defaults: %+v", cfg.Persist)
	}
}

func TestLoadConfigFull(t *testing.T) {
	path := writeConfig(t, `
[interface]
device = "/dev/ttyUSB1"
model = "u61"
layer = 2
flow_control = true

[isi]
enabled = true
type = "das"
domain_id = "ba1101"
connections = 64
repeat_count = 3
heartbeats = true

[persist]
dir = "/tmp/lon"
app_signature = 77
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Interface.Model != "u61" || cfg.Interface.Layer != 2 || !cfg.Interface.FlowControl {
		t.Errorf("interface: %+v", cfg.Interface)
	}
	if !cfg.Isi.Enabled || cfg.Isi.Type != "das" || !cfg.Isi.Heartbeats {
		t.Errorf("isi: %+v", cfg.Isi)
	}

	did, err := cfg.DomainBytes()
	if err != nil {
		t.Fatalf("DomainBytes: %v", err)
	}
	if len(did) != 3 || did[0] != 0xBA || did[1] != 0x11 || did[2] != 0x01 {
		t.Errorf("domain bytes: % x", did)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing device", `[interface]`},
		{"bad model", "[interface]\ndevice = \"/dev/x\"\nmodel = \"u99\""},
		{"bad layer", "[interface]\ndevice = \"/dev/x\"\nlayer = 3"},
		{"bad isi type", "[interface]\ndevice = \"/dev/x\"\n[isi]\ntype = \"xx\""},
		{"bad domain id", "[interface]\ndevice = \"/dev/x\"\n[isi]\ndomain_id = \"abc\""},
		{"bad repeat", "[interface]\ndevice = \"/dev/x\"\n[isi]\nrepeat_count = 4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.body)); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.toml"); err == nil {
		t.Error("missing file accepted")
	}
}
