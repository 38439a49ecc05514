package pkce

import (
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	pair, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	// 32 random bytes encode to exactly 43 base64url characters
	if len(pair.Verifier) != 43 {
		t.Errorf("verifier length = %d, want 43", len(pair.Verifier))
	}
	if len(pair.Challenge) != 43 {
		t.Errorf("challenge length = %d, want 43", len(pair.Challenge))
	}
	if strings.ContainsAny(pair.Verifier, "+/=") {
		t.Errorf("verifier %q contains non-URL-safe characters", pair.Verifier)
	}
	if strings.ContainsAny(pair.Challenge, "+/=") {
		t.Errorf("challenge %q contains non-URL-safe characters", pair.Challenge)
	}
}

func TestGenerate_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		pair, err := Generate()
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if seen[pair.Verifier] {
			t.Fatal("Generate() produced a duplicate verifier")
		}
		seen[pair.Verifier] = true
	}
}

func TestVerify(t *testing.T) {
	pair, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	tests := []struct {
		name      string
		verifier  string
		challenge string
		want      bool
	}{
		{
			name:      "matching pair",
			verifier:  pair.Verifier,
			challenge: pair.Challenge,
			want:      true,
		},
		{
			name:      "wrong verifier",
			verifier:  pair.Verifier + "x",
			challenge: pair.Challenge,
			want:      false,
		},
		{
			name:      "verifier used as challenge",
			verifier:  pair.Verifier,
			challenge: pair.Verifier,
			want:      false,
		},
		{
			name:      "empty verifier",
			verifier:  "",
			challenge: pair.Challenge,
			want:      false,
		},
		{
			name:      "empty challenge",
			verifier:  pair.Verifier,
			challenge: "",
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.verifier, tt.challenge); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChallenge_KnownVector(t *testing.T) {
	// RFC 7636 Appendix B test vector
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	if got := Challenge(verifier); got != want {
		t.Errorf("Challenge() = %q, want %q", got, want)
	}
	if !Verify(verifier, want) {
		t.Error("Verify() = false for RFC 7636 test vector")
	}
}
