package ids

import "testing"

func TestNewSessionIDMatchesPattern(t *testing.T) {
	id := NewSessionID()
	if !IsSessionID(id) {
		t.Fatalf("minted session id %q does not match pattern", id)
	}
	if IsCallID(id) || IsReferenceID(id) {
		t.Fatalf("session id %q unexpectedly matched another id kind", id)
	}
}

func TestNewCallIDMatchesPattern(t *testing.T) {
	id := NewCallID()
	if !IsCallID(id) {
		t.Fatalf("minted call id %q does not match pattern", id)
	}
}

func TestNewReferenceIDMatchesPattern(t *testing.T) {
	id := NewReferenceID()
	if !IsReferenceID(id) {
		t.Fatalf("minted reference id %q does not match pattern", id)
	}
}

func TestIsSessionIDRejectsGarbage(t *testing.T) {
	cases := []string{"", "s_", "c_abc", "session_abc", "s abc", "S_abc"}
	for _, c := range cases {
		if IsSessionID(c) {
			t.Errorf("expected %q to not match session id pattern", c)
		}
	}
}

func TestMintedIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewSessionID()
		if seen[id] {
			t.Fatalf("duplicate session id minted: %s", id)
		}
		seen[id] = true
	}
}
