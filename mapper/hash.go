package mapper

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash domains. The version suffix allows the normalization to change without
// silently colliding with hashes persisted by an older build.
const (
	DomainContact = "data-mirror/contact/v1"
	DomainEvent   = "data-mirror/event/v1"
)

// HashWithDomain computes SHA256(domain || 0x00 || data) as lowercase hex.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
