// Package gitmeta truncates the optional git metadata a deploy archive
// carries (commit id, summary, branch) at the wire-format boundary
// (spec §6 "Git metadata truncation ... at 80 chars on the sender side").
package gitmeta

// MaxFieldLength is the truncation boundary every field is clamped to
// before it is ever persisted on a DeploymentRecord.
const MaxFieldLength = 80

// Metadata is the optional git provenance attached to a deployment.
type Metadata struct {
	CommitID string
	Summary  string
	Branch   string
	Dirty    bool
}

// Truncate clamps every string field to MaxFieldLength, matching the
// sender-side truncation the spec requires so a DeploymentRecord never
// stores an oversized field regardless of what the client sent.
func Truncate(m Metadata) Metadata {
	m.CommitID = truncate(m.CommitID)
	m.Summary = truncate(m.Summary)
	m.Branch = truncate(m.Branch)
	return m
}

func truncate(s string) string {
	if len(s) <= MaxFieldLength {
		return s
	}
	return s[:MaxFieldLength]
}
