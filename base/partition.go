package base

// PartitionConfiguration is one partition's replica assignment, per §3.
// Ballot increases monotonically; a configuration with a higher ballot
// supersedes a lower one for the same gpid.
type PartitionConfiguration struct {
	Gpid            Gpid
	Ballot          int64
	Primary         Endpoint
	Secondaries     []Endpoint
	MaxReplicaCount int32
}
