package ioback

import "testing"

func TestWakeFlagCoalesces(t *testing.T) {
	var w wakeFlag

	if !w.arm() {
		t.Fatal("first arm should win")
	}
	if w.arm() {
		t.Fatal("second concurrent arm should be coalesced")
	}
	if w.arm() {
		t.Fatal("third concurrent arm should be coalesced")
	}

	w.clear()

	if !w.arm() {
		t.Fatal("arm after clear should win again")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		Readiness:     "readiness",
		EdgeTriggered: "edge-triggered",
		Ring:          "ring",
		Kind(99):      "unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
