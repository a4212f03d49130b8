package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Local.AETitle != "GATEWAY" {
		t.Errorf("AETitle = %q", cfg.Local.AETitle)
	}
	if cfg.Local.Port != 11112 {
		t.Errorf("DIMSE port = %d", cfg.Local.Port)
	}
	if cfg.Cache.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d", cfg.Cache.RetentionDays)
	}
	if !cfg.Retrieve.PreferCGet {
		t.Error("PreferCGet should default to true")
	}
	if cfg.Retrieve.Deadline != 5*time.Minute {
		t.Errorf("Deadline = %v", cfg.Retrieve.Deadline)
	}
}

func TestLoadParsesNodes(t *testing.T) {
	t.Setenv("PACS_NODES", `[{"name":"main","aeTitle":"MAIN","hostname":"pacs.local","port":104,"isDefault":true},{"name":"old","aeTitle":"OLD","hostname":"old.local","port":11112,"queryRetrieveRoot":"PATIENT"}]`)
	t.Setenv("DICOM_RETRIEVE_PREFER_CGET", "false")
	t.Setenv("DICOM_RETRIEVE_FALLBACK_TO_CMOVE", "false")
	t.Setenv("DICOM_CACHE_MAX_SIZE_GB", "2.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Nodes) != 2 {
		t.Fatalf("got %d nodes", len(cfg.Nodes))
	}
	if cfg.Nodes[1].QueryRetrieveRoot != RootPatient {
		t.Errorf("QueryRetrieveRoot = %q", cfg.Nodes[1].QueryRetrieveRoot)
	}
	if cfg.Retrieve.PreferCGet {
		t.Error("PreferCGet should parse false")
	}
	if cfg.Retrieve.FallbackToCMove {
		t.Error("FallbackToCMove should parse false")
	}
	if cfg.MaxCacheBytes() != int64(2.5*1024*1024*1024) {
		t.Errorf("MaxCacheBytes = %d", cfg.MaxCacheBytes())
	}
}

func TestLoadRejectsBadNodeJSON(t *testing.T) {
	t.Setenv("PACS_NODES", "{not json")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed PACS_NODES")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		cfg.Local.AETitle = "GATEWAY"
		cfg.Local.Port = 11112
		cfg.Cache.Path = "/tmp/cache"
		cfg.Cache.MaxSizeGB = 10
		cfg.Nodes = []PACSNode{
			{Name: "main", AETitle: "MAIN", Hostname: "pacs.local", Port: 104, IsDefault: true},
		}
		return cfg
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ae title too long", func(c *Config) { c.Local.AETitle = "SEVENTEEN_CHARS_X" }},
		{"empty ae title", func(c *Config) { c.Local.AETitle = "" }},
		{"port out of range", func(c *Config) { c.Local.Port = 70000 }},
		{"missing cache path", func(c *Config) { c.Cache.Path = "" }},
		{"zero cache budget", func(c *Config) { c.Cache.MaxSizeGB = 0 }},
		{"node without name", func(c *Config) { c.Nodes[0].Name = "" }},
		{"node without hostname", func(c *Config) { c.Nodes[0].Hostname = "" }},
		{"bad retrieve root", func(c *Config) { c.Nodes[0].QueryRetrieveRoot = "SERIES" }},
		{"duplicate node names", func(c *Config) {
			c.Nodes = append(c.Nodes, PACSNode{Name: "main", AETitle: "B", Hostname: "h", Port: 104})
		}},
		{"two defaults", func(c *Config) {
			c.Nodes = append(c.Nodes, PACSNode{Name: "other", AETitle: "B", Hostname: "h", Port: 104, IsDefault: true})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDefaultNode(t *testing.T) {
	cfg := &Config{}
	if _, ok := cfg.DefaultNode(); ok {
		t.Error("empty config reported a default node")
	}

	cfg.Nodes = []PACSNode{
		{Name: "a"},
		{Name: "b", IsDefault: true},
	}
	node, ok := cfg.DefaultNode()
	if !ok || node.Name != "b" {
		t.Errorf("default = %+v, ok=%v", node, ok)
	}

	cfg.Nodes[1].IsDefault = false
	node, ok = cfg.DefaultNode()
	if !ok || node.Name != "a" {
		t.Errorf("fallback default = %+v, ok=%v", node, ok)
	}
}

func TestNodeTimeoutDefaults(t *testing.T) {
	n := PACSNode{}
	if n.ConnectTimeout() != 10*time.Second {
		t.Errorf("ConnectTimeout = %v", n.ConnectTimeout())
	}
	if n.ResponseTimeout() != 30*time.Second {
		t.Errorf("ResponseTimeout = %v", n.ResponseTimeout())
	}
	n = PACSNode{ConnectTimeoutMs: 1500, ResponseTimeoutMs: 4000}
	if n.ConnectTimeout() != 1500*time.Millisecond {
		t.Errorf("ConnectTimeout = %v", n.ConnectTimeout())
	}
	if n.ResponseTimeout() != 4*time.Second {
		t.Errorf("ResponseTimeout = %v", n.ResponseTimeout())
	}
}
