package config

import "testing"

func baseValidConfig() *Config {
	return &Config{
		Kernel: KernelConfig{Port: 7946},
		Gossip: GossipConfig{RFactor: 3},
		DLM: DLMConfig{
			RQuorum:        0.51,
			WQuorum:        0.51,
			MinWaitTimeout: 50_000_000,
			MaxWaitTimeout: 250_000_000,
		},
		DSM: DSMConfig{
			MinWaitTimeout: 50_000_000,
			MaxWaitTimeout: 250_000_000,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestValidateAcceptsDefaultShapedConfig(t *testing.T) {
	cfg := baseValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsZeroPort(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Kernel.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero port")
	}
}

func TestValidateRejectsQuorumOutOfRange(t *testing.T) {
	cfg := baseValidConfig()
	cfg.DLM.RQuorum = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for rquorum > 1")
	}
}

func TestValidateRejectsInvertedWaitTimeouts(t *testing.T) {
	cfg := baseValidConfig()
	cfg.DLM.MinWaitTimeout = 500_000_000
	cfg.DLM.MaxWaitTimeout = 50_000_000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for inverted wait timeouts")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unknown log level")
	}
}
