package dedup

import (
	"encoding/hex"
	"strings"
)

// Fingerprint prefixes keep text and binary payloads in separate key spaces,
// so a text frame never collides with the hex form of a binary one.
const (
	textPrefix   = 't'
	binaryPrefix = 'b'
)

// Fingerprint returns the cache key for a payload. Text payloads key on their
// exact content and binary payloads on their hex encoding.
func Fingerprint(data []byte, binary bool) string {
	var sb strings.Builder
	if binary {
		sb.Grow(1 + hex.EncodedLen(len(data)))
		sb.WriteByte(binaryPrefix)
		sb.WriteString(hex.EncodeToString(data))
		return sb.String()
	}

	sb.Grow(1 + len(data))
	sb.WriteByte(textPrefix)
	sb.Write(data)
	return sb.String()
}
