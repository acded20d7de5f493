package config

import "testing"

func validConfig() *Config {
	return &Config{
		Addr:               ":8080",
		OwnerIndex:         0,
		OwnerCount:         1,
		ShardCount:         8,
		MaxConnections:     10,
		CPURejectThreshold: 80,
		CPUPauseThreshold:  90,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
}

func TestValidateRejectsEmptyAddr(t *testing.T) {
	c := validConfig()
	c.Addr = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected an empty addr to fail validation")
	}
}

func TestValidateRejectsOwnerIndexOutOfRange(t *testing.T) {
	c := validConfig()
	c.OwnerIndex = 5
	c.OwnerCount = 3
	if err := c.Validate(); err == nil {
		t.Fatal("expected an out-of-range owner index to fail validation")
	}
}

func TestValidateRejectsPauseBelowReject(t *testing.T) {
	c := validConfig()
	c.CPURejectThreshold = 90
	c.CPUPauseThreshold = 80
	if err := c.Validate(); err == nil {
		t.Fatal("expected pause < reject threshold to fail validation")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "verbose"
	if err := c.Validate(); err == nil {
		t.Fatal("expected an unknown log level to fail validation")
	}
}
