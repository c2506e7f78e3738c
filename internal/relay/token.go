package relay

import (
	"crypto/rand"
	"fmt"
)

// tokenCharset is URL-safe and avoids visually ambiguous glyphs (0/o, 1/l/i).
const tokenCharset = "abcdefghjkmnpqrstuvwxyz23456789"

// DefaultTokenLength yields ~128.8 bits of entropy over the 31-glyph charset,
// clearing the 128-bit floor for unguessable links.
const DefaultTokenLength = 26

// MintToken returns a fresh link token of n characters drawn from a
// cryptographically strong source. n below DefaultTokenLength is rounded up
// so weak configs cannot produce guessable tokens.
func MintToken(n int) (string, error) {
	if n < DefaultTokenLength {
		n = DefaultTokenLength
	}
	out := make([]byte, 0, n)
	buf := make([]byte, 2*n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("relay: token entropy: %w", err)
		}
		for _, b := range buf {
			// Rejection sampling keeps the distribution uniform:
			// 248 is the largest multiple of len(tokenCharset) below 256.
			if b >= 248 {
				continue
			}
			out = append(out, tokenCharset[int(b)%len(tokenCharset)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
