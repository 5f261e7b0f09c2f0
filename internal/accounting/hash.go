package accounting

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeLine canonicalizes an accounting line before hashing: line
// endings collapse to \n and surrounding whitespace is dropped, so the same
// event hashes identically whether it arrived from a CRLF tail or a replay.
func NormalizeLine(line string) string {
	line = strings.ReplaceAll(line, "\r\n", "\n")
	line = strings.ReplaceAll(line, "\r", "\n")
	return strings.TrimSpace(line)
}

// HashLine returns the hex SHA-256 of the normalized line. This is the dedup
// identity for at-least-once ingestion.
func HashLine(line string) string {
	sum := sha256.Sum256([]byte(NormalizeLine(line)))
	return hex.EncodeToString(sum[:])
}

// NormalizeOutcome maps an accounting record type to a counter outcome.
// PMTA-style single-letter types and their word forms land in four buckets;
// everything else is "unknown" (deduped, never counted).
func NormalizeOutcome(recordType string) string {
	switch strings.ToLower(strings.TrimSpace(recordType)) {
	case "d", "delivered", "delivery", "success":
		return "delivered"
	case "b", "bounce", "bounced", "hard", "hardbounce", "soft", "softbounce":
		return "bounced"
	case "t", "tq", "defer", "deferred", "transient":
		return "deferred"
	case "c", "complaint", "complained", "fbl", "feedback":
		return "complained"
	default:
		return "unknown"
	}
}
