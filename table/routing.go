package table

import (
	"time"

	"github.com/pegasus-kv/go-client/base"
)

// Routing is the TableRouting of spec.md §3: the immutable snapshot a
// TableHandler publishes on open and on every successful refresh. Readers
// (route()) see a fully-formed snapshot or none at all — there is no
// partially-updated state, satisfying the read-copy-update model of §5.
type Routing struct {
	AppID          int32
	PartitionCount int32
	// Configs is indexed by partition_index: Configs[i].Gpid.PartitionIndex
	// == i, per the §3 invariant.
	Configs []base.PartitionConfiguration

	LastRefresh time.Time
}
