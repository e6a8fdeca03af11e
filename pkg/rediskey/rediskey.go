package rediskey

import "strings"

const sep = ":"

// Trial analysis keys live under "analysis:trial".
var trialRoot = []string{"analysis", "trial"}

func join(parts ...string) string {
	return strings.Join(parts, sep)
}

// TrialCooldown returns "analysis:trial:cooldown:{callerID}".
func TrialCooldown(callerID string) string {
	return join(append(trialRoot, "cooldown", callerID)...)
}
