package call

import (
	"testing"
	"time"
)

func TestInfoRemoveLastConnectionDropsUser(t *testing.T) {
	info := newInfo(time.Now())
	info.add("u1", "c1")
	info.add("u1", "c2")
	info.add("u2", "c3")

	if ended := info.remove("u1", "c1"); ended {
		t.Fatal("call ended with participants remaining")
	}
	if _, ok := info.Participants["u1"]; !ok {
		t.Fatal("u1 dropped while a connection remains")
	}
	info.remove("u1", "c2")
	if _, ok := info.Participants["u1"]; ok {
		t.Fatal("u1 kept with an empty connection set")
	}
	if ended := info.remove("u2", "c3"); !ended {
		t.Fatal("empty map must mean the call ended")
	}
}

func TestInfoRemoveUnknownIsHarmless(t *testing.T) {
	info := newInfo(time.Now())
	info.add("u1", "c1")
	if ended := info.remove("u2", "cX"); ended {
		t.Fatal("removing a stranger ended the call")
	}
}

func TestRegistryInAnyCallSpansBothTables(t *testing.T) {
	r := NewRegistry()
	if r.InAnyCall("u1") {
		t.Fatal("empty registry reports a call")
	}
	g := newInfo(time.Now())
	g.add("u1", "c1")
	r.group["conv1"] = g
	d := newInfo(time.Now())
	d.add("u2", "c2")
	r.direct["conv2"] = d

	if !r.InAnyCall("u1") || !r.InAnyCall("u2") {
		t.Fatal("participants not found across tables")
	}
	if r.InAnyCall("u3") {
		t.Fatal("non-participant reported in call")
	}
}
