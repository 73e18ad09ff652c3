package sanitize

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestError(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "api key keeps prefix",
			in:   "invalid key ABCDEFGHa1b2c3d4e5f6g7h8i9j0k1l2",
			want: "invalid key ABCDEFGH***",
		},
		{
			name: "long digit run",
			in:   "order 12345678901 was rejected",
			want: "order [REDACTED] was rejected",
		},
		{
			name: "bearer token",
			in:   "auth failed: Bearer abc.def.ghi",
			want: "auth failed: Bearer ***",
		},
		{
			name: "raw jwt",
			in:   "token eyJhbGciOi.eyJzdWIiOi.c2lnbmF0dXJl expired",
			want: "token *** expired",
		},
		{
			name: "email keeps first letter and domain",
			in:   "account john.doe@example.com blocked",
			want: "account j***@example.com blocked",
		},
		{
			name: "ip mask",
			in:   "request from 10.42.7.13 denied",
			want: "request from 10.42.x.x denied",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Error(tc.in); got != tc.want {
				t.Fatalf("Error(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestErrorTruncates(t *testing.T) {
	long := strings.Repeat("x", MaxErrorLen+200)
	if got := Error(long); len(got) != MaxErrorLen {
		t.Fatalf("len = %d, want %d", len(got), MaxErrorLen)
	}
}

func TestErrorTruncatesOnRuneBoundary(t *testing.T) {
	// A three-byte rune straddling the cutoff must be dropped whole.
	long := strings.Repeat("x", MaxErrorLen-1) + "世界"
	got := Error(long)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune: %q", got[len(got)-4:])
	}
	if got != strings.Repeat("x", MaxErrorLen-1) {
		t.Fatalf("len = %d", len(got))
	}
}

func TestReason(t *testing.T) {
	if got := Reason("some very long exchange failure text", 9); got != "some very" {
		t.Fatalf("Reason = %q", got)
	}
}
