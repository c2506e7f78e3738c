package relay

import (
	"strings"
	"testing"
)

func TestMintTokenLength(t *testing.T) {
	tok, err := MintToken(DefaultTokenLength)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	if len(tok) != DefaultTokenLength {
		t.Fatalf("token length = %d, want %d", len(tok), DefaultTokenLength)
	}
}

func TestMintTokenCharset(t *testing.T) {
	for i := 0; i < 50; i++ {
		tok, err := MintToken(DefaultTokenLength)
		if err != nil {
			t.Fatalf("MintToken: %v", err)
		}
		for _, r := range tok {
			if !strings.ContainsRune(tokenCharset, r) {
				t.Fatalf("token %q contains %q outside charset", tok, r)
			}
		}
	}
}

func TestMintTokenRoundsUpShortLengths(t *testing.T) {
	tok, err := MintToken(4)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	if len(tok) < DefaultTokenLength {
		t.Fatalf("token length = %d, want at least %d", len(tok), DefaultTokenLength)
	}
}

func TestMintTokenUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		tok, err := MintToken(DefaultTokenLength)
		if err != nil {
			t.Fatalf("MintToken: %v", err)
		}
		if _, dup := seen[tok]; dup {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = struct{}{}
	}
}
