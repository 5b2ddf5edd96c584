package legacysync

import (
	"fmt"

	"github.com/heirloomhq/legacy-sync/storage"
)

// ConflictPolicy decides the outcome when a remote change lands on a
// record that still has unsynced local edits at a different version.
type ConflictPolicy string

const (
	// PolicyClient keeps the local payload and parks the record in the
	// conflict state.
	PolicyClient ConflictPolicy = "client"
	// PolicyServer discards the divergent local edits and adopts the
	// remote payload and version.
	PolicyServer ConflictPolicy = "server"
	// PolicyManual behaves like PolicyClient and additionally emits a
	// conflict event carrying both versions.
	PolicyManual ConflictPolicy = "manual"
)

func ParseConflictPolicy(value string) (ConflictPolicy, error) {
	switch ConflictPolicy(value) {
	case PolicyClient, PolicyServer, PolicyManual:
		return ConflictPolicy(value), nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", value)
}

type conflictOutcome int

const (
	outcomeAdoptRemote conflictOutcome = iota
	outcomeKeepLocal
	outcomeKeepLocalNotify
)

type conflictResolver struct {
	policy ConflictPolicy
}

// resolve is consulted only when local exists, is pending and disagrees
// with the remote version; every other incoming record is plainly
// adopted by the caller.
func (r *conflictResolver) resolve(local *storage.StoredRecord, remote *RemoteRecord) conflictOutcome {
	switch r.policy {
	case PolicyServer:
		return outcomeAdoptRemote
	case PolicyManual:
		return outcomeKeepLocalNotify
	default:
		return outcomeKeepLocal
	}
}
