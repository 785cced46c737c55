// Package datastore composes the chunk store with groups, snapshots and
// manifests, and owns the locking rules in spec.md §4.4/§5.
package datastore

import (
	"fmt"
	"time"
)

// GroupType is the kind of thing a backup group contains.
type GroupType string

const (
	GroupHost GroupType = "host"
	GroupVM   GroupType = "vm"
	GroupCT   GroupType = "ct"
)

// Group identifies a backup group: folder <type>/<id>/ inside a datastore.
type Group struct {
	Type GroupType
	ID   string
}

// RelativePath is the group's directory path inside the datastore root.
func (g Group) RelativePath() string {
	return fmt.Sprintf("%s/%s", g.Type, g.ID)
}

func (g Group) String() string { return g.RelativePath() }

// BackupTimeFormat is the on-disk snapshot directory name format:
// RFC3339 in UTC with a literal "Z" (spec.md §3/§6).
const BackupTimeFormat = "2006-01-02T15:04:05Z"

// Snapshot identifies one point-in-time backup: (group-type, group-id,
// epoch_seconds_utc).
type Snapshot struct {
	Group Group
	Time  time.Time // must be UTC; epoch-second resolution
}

// RelativePath is the snapshot's directory path inside the datastore root.
func (s Snapshot) RelativePath() string {
	return fmt.Sprintf("%s/%s", s.Group.RelativePath(), s.TimeString())
}

// TimeString renders the snapshot time the way it appears on disk.
func (s Snapshot) TimeString() string {
	return s.Time.UTC().Format(BackupTimeFormat)
}

func (s Snapshot) String() string { return s.RelativePath() }

// ManifestName is the fixed filename of a snapshot's manifest blob.
const ManifestName = "index.json.blob"

// ClientLogName is the fixed filename of a snapshot's optional client log.
const ClientLogName = "client.log.blob"
