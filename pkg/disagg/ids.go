package disagg

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/loadscope/loadscope/pkg/types"
)

// Identifiers are derived by hashing canonical string encodings so re-runs on
// identical inputs reproduce the same ids. Floats are rounded before encoding;
// changing the rounding silently diverges every stored id.

const idHexLen = 16

// SessionID returns the stable id of a session, derived from the customer and
// the session's interval and shape. The same session recomputed from the same
// inputs always yields the same id.
func SessionID(customerID string, s types.Session) string {
	canonical := fmt.Sprintf("%s|%d|%d|%.2f|%d",
		customerID,
		s.TSStart.Unix(),
		s.TSEnd.Unix(),
		s.MeanResidualWatts,
		int(math.Round(s.DurationMinutes)),
	)
	return truncatedSHA1(canonical)
}

// fingerprintID derives a new fingerprint's id from the customer and the
// rounded feature vector of the session that created it. Computed once at
// creation; the id persists through caller storage and is never recomputed as
// the centroid drifts.
func fingerprintID(customerID string, s types.Session) string {
	canonical := fmt.Sprintf("%s|fp|%d|%d|%d|%d",
		customerID,
		int(math.Round(s.MeanResidualWatts)),
		int(math.Round(s.DurationMinutes)),
		int(math.Round(s.StartStepWatts)),
		int(math.Round(s.PeakResidualWatts)),
	)
	return truncatedSHA1(canonical)
}

func truncatedSHA1(canonical string) string {
	sum := sha1.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])[:idHexLen]
}

// ApplianceTypeID derives the grouping id for a label. It hashes the
// normalized type key rather than any fingerprint id so that multiple
// fingerprints sharing a label collapse into one appliance, and so the id
// stays constant across windows even when clustering assignment drifts.
// Never returns the reserved stand-by id.
func ApplianceTypeID(customerID, label string) int64 {
	h := fnv.New64a()
	h.Write([]byte(customerID + "|type|" + TypeKey(label)))
	id := int64(h.Sum64() & math.MaxInt64)
	if id <= types.StandbyApplianceID {
		id += 2
	}
	return id
}

var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// TypeKey normalizes a label into its appliance-type key: parenthetical
// disambiguation suffix stripped, accents folded, lower-cased, slugged.
// "Termoacumulador (cozinha)" and "termoacumulador" share a key.
func TypeKey(label string) string {
	if i := strings.Index(label, "("); i >= 0 {
		label = label[:i]
	}
	if folded, _, err := transform.String(accentStripper, label); err == nil {
		label = folded
	}
	label = strings.ToLower(strings.TrimSpace(label))

	var b strings.Builder
	lastDash := true
	for _, r := range label {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
