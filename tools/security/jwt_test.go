package security

import (
	"testing"
	"time"
)

func TestGenerateVerifyRoundTrip(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))
	tok, exp, err := Generate(opts, "u1", "d1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("exp = %v", exp)
	}
	id, err := Verify(opts, tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u1" || id.DeviceID != "d1" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	tok, _, err := Generate(DefaultOptions([]byte("right")), "u1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Verify(DefaultOptions([]byte("wrong")), tok); err == nil {
		t.Fatal("want verification failure")
	}
}

func TestVerifyGarbage(t *testing.T) {
	if _, err := Verify(DefaultOptions([]byte("s")), "not-a-token"); err == nil {
		t.Fatal("want error")
	}
}

func TestDeviceIDOptional(t *testing.T) {
	opts := DefaultOptions([]byte("s"))
	tok, _, err := Generate(opts, "u1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	id, err := Verify(opts, tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.DeviceID != "" {
		t.Fatalf("device id = %q", id.DeviceID)
	}
}
