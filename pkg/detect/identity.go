package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/strandsec/authwatch/pkg/incident"
)

// Identity derives the content-addressed incident identifier. The hashed
// seed is a stable pipe-separated encoding of the evidence parameters:
//
//	brute_force|<ip>|<user>|<window_start>|<window_end>|<failures>
//	cred_abuse|<ip>|<window_start>|<window_end>|<failures>|<distinct_users>
//
// Window bounds are ISO-8601 UTC at second precision. Identical windows
// always produce identical identifiers, independent of clock time.
func Identity(incidentType, sourceIP, username, windowStart, windowEnd string, failures, distinctUsers int) string {
	var seed string
	if incidentType == incident.TypeCredentialAbuse {
		seed = fmt.Sprintf("cred_abuse|%s|%s|%s|%d|%d", sourceIP, windowStart, windowEnd, failures, distinctUsers)
	} else {
		seed = fmt.Sprintf("brute_force|%s|%s|%s|%s|%d", sourceIP, username, windowStart, windowEnd, failures)
	}
	sum := sha256.Sum256([]byte(seed))
	return "inc_" + hex.EncodeToString(sum[:])[:24]
}
