package table

import (
	"time"

	"github.com/pegasus-kv/go-client/base"
	"github.com/pegasus-kv/go-client/rpc"
)

// Operator is the component G value object of spec.md §4.G: the small,
// re-routed-on-every-attempt bundle of everything a request needs across
// its retry lifecycle. TableHandler.Execute owns one Operator per user
// call; its Gpid and Attempt mutate across attempts, but OpCode/HashKey/
// SortKey/Body never change after construction.
type Operator struct {
	OpCode  rpc.OpCode
	HashKey []byte
	SortKey []byte
	Body    []byte

	// Gpid is filled in at route time, once per attempt (the server may
	// hand back a different primary between attempts after a refresh).
	Gpid base.Gpid

	Deadline time.Time
	Attempt  int
}

// NewOperator builds an Operator for one user call with an absolute
// deadline. Handler.Execute replaces a zero or already-passed deadline with
// now plus the table's default timeout.
func NewOperator(opCode rpc.OpCode, hashKey, sortKey, body []byte, deadline time.Time) *Operator {
	return &Operator{
		OpCode:   opCode,
		HashKey:  hashKey,
		SortKey:  sortKey,
		Body:     body,
		Deadline: deadline,
	}
}
