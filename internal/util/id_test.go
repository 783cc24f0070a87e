package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string // expected prefix of the ID
	}{
		{name: "no prefix", prefix: "", want: ""},
		{name: "deck prefix", prefix: "deck", want: "deck_"},
		{name: "comment prefix", prefix: "cm", want: "cm_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := NewID(tt.prefix)
			if !strings.HasPrefix(id, tt.want) {
				t.Fatalf("NewID(%q) = %q, want prefix %q", tt.prefix, id, tt.want)
			}
			// 16 random bytes hex-encode to 32 characters.
			if got := len(id) - len(tt.want); got != 32 {
				t.Fatalf("random part length = %d, want 32", got)
			}
		})
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID("sl")
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}
