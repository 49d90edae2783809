package agent

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultAgentID is used when a job or message does not bind an agent.
const DefaultAgentID = "default"

var (
	validIDRe    = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	invalidChars = regexp.MustCompile(`[^a-z0-9_-]+`)
	edgeDashes   = regexp.MustCompile(`^-+|-+$`)
)

// NormalizeAgentID converts a user-provided name into a valid agent id:
// lowercase, [a-z0-9_-], max 64 chars, empty falls back to the default.
func NormalizeAgentID(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return DefaultAgentID
	}

	lower := strings.ToLower(trimmed)
	if validIDRe.MatchString(lower) {
		return lower
	}

	result := invalidChars.ReplaceAllString(lower, "-")
	result = edgeDashes.ReplaceAllString(result, "")
	if len(result) > 64 {
		result = result[:64]
	}
	if result == "" {
		return DefaultAgentID
	}
	return result
}

// Session-key derivation lives here and only here. The lane dispatcher keys
// its serialisation on these strings, so every component that rederived them
// independently would be a correctness bug waiting to happen.

// MainSessionKey is the shared long-lived conversation lane for an agent.
func MainSessionKey(agentID string) string {
	return fmt.Sprintf("agent:%s:main", NormalizeAgentID(agentID))
}

// CronLaneKey is the lane for an isolated job. It is keyed by the job, not
// the run: consecutive runs of the same job serialise, distinct jobs may run
// in parallel up to the global cap.
func CronLaneKey(agentID, jobID string) string {
	return fmt.Sprintf("agent:%s:cron:%s", NormalizeAgentID(agentID), jobID)
}

// CronRunSessionID is the fresh per-run session handed to the runtime for an
// isolated job, for traceability only.
func CronRunSessionID(agentID, jobID, runID string) string {
	return fmt.Sprintf("agent:%s:cron:%s:run:%s", NormalizeAgentID(agentID), jobID, runID)
}
