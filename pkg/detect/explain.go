package detect

import (
	"fmt"

	"github.com/strandsec/authwatch/pkg/incident"
)

// Recommended response actions, fixed per incident type and returned
// verbatim.
var recommendedActions = map[string][]string{
	incident.TypeBruteForce: {
		"Validate whether the source IP and login pattern are expected for this user (VPNs, known locations, automation).",
		"Review authentication activity before and after the detection window to identify escalation or successful access.",
		"Assess account controls (lockout behavior, MFA enforcement) and confirm whether the user experienced authentication issues.",
		"If activity is unauthorized, follow response policy: reset credentials, revoke active sessions, and apply network controls as appropriate.",
	},
	incident.TypeCredentialAbuse: {
		"Validate whether the source IP is expected infrastructure (VPN egress, NAT pools, authorized scanners) before treating the activity as hostile.",
		"Review the targeted accounts for successful authentications during and after the detection window.",
		"Confirm lockout and MFA policies cover the targeted accounts, and identify accounts exempted from them.",
		"If activity is unauthorized, block or rate-limit the source IP and reset credentials for any account that subsequently authenticated successfully.",
	},
}

// applyExplainability fills the deterministic summary and the fixed
// action list. Templates are parameterised only by evidence fields.
func applyExplainability(inc *incident.Incident) {
	switch inc.Type {
	case incident.TypeCredentialAbuse:
		inc.Summary = fmt.Sprintf(
			"Potential Credential Abuse detected (MITRE T1110.003 - Password Spraying): "+
				"%d failed login attempts across %d distinct accounts from source IP %s during %s–%s. "+
				"This pattern is indicative of compromised credentials or unauthorized access attempts.",
			inc.Evidence.Counts["failures"],
			inc.Evidence.Counts["distinct_users"],
			inc.Subject.SourceIP,
			inc.Evidence.WindowStart,
			inc.Evidence.WindowEnd,
		)
	default:
		inc.Summary = fmt.Sprintf(
			"Brute-force authentication activity detected (MITRE %s): "+
				"%d failed login attempts against user '%s' from source IP %s during %s–%s, "+
				"exceeding brute-force threshold.",
			inc.Mitre.Technique,
			inc.Evidence.Counts["failures"],
			inc.Subject.Username,
			inc.Subject.SourceIP,
			inc.Evidence.WindowStart,
			inc.Evidence.WindowEnd,
		)
	}
	inc.RecommendedActions = append([]string(nil), recommendedActions[inc.Type]...)
}
