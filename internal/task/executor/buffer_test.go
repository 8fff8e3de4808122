package executor

import "testing"

func TestCapBuffer(t *testing.T) {
	t.Parallel()
	b := newCapBuffer(4)
	if n, err := b.Write([]byte("abcdef")); n != 6 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if got := b.String(); got != "abcd"+truncatedMarker {
		t.Fatalf("String() = %q", got)
	}

	u := newCapBuffer(0)
	_, _ = u.Write([]byte("abcdef"))
	u.note("boom")
	if got := u.String(); got != "abcdef\nboom" {
		t.Fatalf("String() = %q", got)
	}
}
