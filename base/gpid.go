package base

import "fmt"

// Gpid is a global partition id: the pair a replica, meta server, or client
// uses to name one partition of one table unambiguously across the cluster.
type Gpid struct {
	AppID          int32
	PartitionIndex int32
}

// InvalidGpid is returned by routing paths that could not resolve a
// partition (e.g. a table that failed to open).
var InvalidGpid = Gpid{AppID: -1, PartitionIndex: -1}

// IsValid reports whether g names a real app and partition.
func (g Gpid) IsValid() bool { return g.AppID > 0 && g.PartitionIndex >= 0 }

func (g Gpid) String() string {
	return fmt.Sprintf("%d.%d", g.AppID, g.PartitionIndex)
}
