package securemem

import "testing"

func TestStringEqual(t *testing.T) {
	s := NewString("super-secret")
	defer s.Destroy()

	if !s.Equal("super-secret") {
		t.Error("Equal should match the stored plaintext")
	}
	if s.Equal("other") {
		t.Error("Equal should reject a different plaintext")
	}
	if s.IsEmpty() {
		t.Error("non-empty string reported empty")
	}
}

func TestWithBytes(t *testing.T) {
	s := NewString("hmac-key")
	defer s.Destroy()

	var seen string
	s.WithBytes(func(b []byte) {
		seen = string(b)
	})
	if seen != "hmac-key" {
		t.Errorf("WithBytes saw %q, want %q", seen, "hmac-key")
	}
}

func TestDestroyedString(t *testing.T) {
	s := NewString("gone")
	s.Destroy()
	s.Destroy() // idempotent

	if !s.IsEmpty() {
		t.Error("destroyed string should be empty")
	}
	if s.Equal("gone") {
		t.Error("destroyed string should not compare equal")
	}
	called := false
	s.WithBytes(func([]byte) { called = true })
	if called {
		t.Error("WithBytes must not run on a destroyed string")
	}

	var nilStr *String
	if !nilStr.IsEmpty() {
		t.Error("nil string should be empty")
	}
}
