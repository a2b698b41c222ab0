package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIILeavesPlainTextAlone(t *testing.T) {
	out, changed := RedactPII("Your order ships on Tuesday.")
	if changed || out != "Your order ships on Tuesday." {
		t.Fatalf("RedactPII() = %q, %v", out, changed)
	}
}

func TestMaskNumber(t *testing.T) {
	cases := map[string]string{
		"+1 (555) 123-9876": "*******9876",
		"+15550001111":      "*******1111",
		"123":               "***",
		"":                  "",
	}
	for in, want := range cases {
		if got := MaskNumber(in); got != want {
			t.Fatalf("MaskNumber(%q) = %q, want %q", in, got, want)
		}
	}
}
