// Package nodeid computes deterministic replication node identities.
//
// A database node ID (spec.md §3.5) must be the same every time the agent
// restarts against the same sync pair and side, so that a restarted agent
// resumes replication instead of re-sending already-applied changes. It is
// derived from the pair name and side alone, never random.
package nodeid

import (
	"github.com/google/uuid"
)

// Side identifies which half of a sync pair a database node id refers to.
type Side string

const (
	Local Side = "local"
	Cloud Side = "cloud"
)

// namespace is a fixed, private UUID used purely to seed the deterministic
// hash; any fixed 16 bytes would do, but a real UUID keeps uuid.NewSHA1
// well-formed.
var namespace = uuid.MustParse("6f9c45a0-6a3e-4c9a-9f0b-6b6f3a9a9b8e")

// ForDatabase returns the deterministic node ID for one side of pairName,
// i.e. hash_uuid(pairName + "_" + side) from spec.md §3.5.
func ForDatabase(pairName string, side Side) string {
	return uuid.NewSHA1(namespace, []byte(pairName+"_"+string(side))).String()
}
