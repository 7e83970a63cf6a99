package storage

import (
	"testing"
	"time"
)

func TestPresenceConfigNorm(t *testing.T) {
	var c PresenceConfig
	c.norm()
	if c.TTL != 60*time.Second {
		t.Fatalf("default TTL = %v, want 60s", c.TTL)
	}
	if c.AggregateTTL != 5*time.Minute {
		t.Fatalf("default AggregateTTL = %v, want 5m", c.AggregateTTL)
	}
	if c.Clock == nil {
		t.Fatal("default Clock is nil")
	}
}

func TestPresenceKeys(t *testing.T) {
	s := NewPresenceStore(PresenceConfig{}, nil)
	if got := s.onlineKey("u1"); got != "rt:online:u1" {
		t.Fatalf("onlineKey = %q", got)
	}
	if got := s.activeKey("u1"); got != "rt:active:u1" {
		t.Fatalf("activeKey = %q", got)
	}
	if got := s.connKeyPrefix("u1"); got != "rt:conn:u1:" {
		t.Fatalf("connKeyPrefix = %q", got)
	}
	if got := s.aggKey("u1"); got != "rt:agg:u1" {
		t.Fatalf("aggKey = %q", got)
	}
}

func TestPresenceKeysClusterTag(t *testing.T) {
	s := NewPresenceStore(PresenceConfig{UseClusterTag: true}, nil)
	if got := s.onlineKey("u1"); got != "rt:{u1}:online" {
		t.Fatalf("onlineKey = %q", got)
	}
	if got := s.connKeyPrefix("u1"); got != "rt:{u1}:conn:" {
		t.Fatalf("connKeyPrefix = %q", got)
	}
}

func TestPresenceTTLSeconds(t *testing.T) {
	s := NewPresenceStore(PresenceConfig{TTL: 90 * time.Second}, nil)
	if got := s.ttlSec(); got != 90 {
		t.Fatalf("ttlSec = %d, want 90", got)
	}
}
