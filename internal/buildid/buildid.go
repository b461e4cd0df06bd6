// Package buildid generates human-readable identifiers for one staging
// run, used as a field in the staging pipeline's log lines so a run can be
// picked out of aggregate logs without cross-referencing a PID or a
// timestamp.
//
// Grounded on the teacher's cmd/sand/new_cmd.go, which seeds
// goombaio/namegenerator with the current time for sandbox IDs.
package buildid

import (
	"time"

	"github.com/goombaio/namegenerator"
)

// New returns a fresh adjective-animal identifier, e.g. "blissful-otter".
func New() string {
	seed := time.Now().UTC().UnixNano()
	return namegenerator.NewNameGenerator(seed).Generate()
}
