package chat

import (
	"reflect"
	"testing"
)

func TestNormalizeParticipants(t *testing.T) {
	t.Parallel()

	got := NormalizeParticipants([]string{" u2 ", "u1", "u2", "", "  "})
	want := []string{"u1", "u2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestParticipantKey_OrderIndependent(t *testing.T) {
	t.Parallel()

	a := ParticipantKey(NormalizeParticipants([]string{"bob", "alice"}))
	b := ParticipantKey(NormalizeParticipants([]string{"alice", "bob"}))
	if a != b {
		t.Fatalf("keys must match for reordered sets: %q vs %q", a, b)
	}

	c := ParticipantKey(NormalizeParticipants([]string{"alice", "bob", "carol"}))
	if a == c {
		t.Fatalf("different sets must not collide")
	}
}

func TestMessageType_Valid(t *testing.T) {
	t.Parallel()

	for _, typ := range []MessageType{MessageTypeText, MessageTypeImage, MessageTypeFile} {
		if !typ.Valid() {
			t.Fatalf("%q must be valid", typ)
		}
	}
	if MessageType("video").Valid() {
		t.Fatalf("unknown type must be invalid")
	}
	if MessageType("").Valid() {
		t.Fatalf("empty type must be invalid")
	}
}
