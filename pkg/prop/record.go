package prop

import "fmt"

// Op tags the variant held by a Record.
type Op uint8

const (
	// OpSet carries a new scalar value for a value subscription.
	OpSet Op = iota + 1
	// OpAdd inserts IDs, in order, before Before.
	OpAdd
	// OpDelete removes IDs.
	OpDelete
	// OpMove relocates IDs[0] before Before.
	OpMove
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpAdd:
		return "add"
	case OpDelete:
		return "delete"
	case OpMove:
		return "move"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Record is one change notification addressed to a subscription.
//
// A scalar record uses Value; node records use IDs and Before. Before is End
// to mean "at the end of the collection".
type Record struct {
	Sub    SubID `json:"sub"`
	Op     Op    `json:"op"`
	Value  Value `json:"value"`
	IDs    []ID  `json:"ids,omitempty"`
	Before ID    `json:"before,omitempty"`
	// Expedite records are drained ahead of normal ones.
	Expedite bool `json:"expedite,omitempty"`
}

// SetRecord returns a scalar record for sub.
func SetRecord(sub SubID, v Value) Record {
	return Record{Sub: sub, Op: OpSet, Value: v}
}

// AddRecord returns a node add record for sub.
func AddRecord(sub SubID, before ID, ids ...ID) Record {
	return Record{Sub: sub, Op: OpAdd, IDs: ids, Before: before}
}

// DeleteRecord returns a node delete record for sub.
func DeleteRecord(sub SubID, ids ...ID) Record {
	return Record{Sub: sub, Op: OpDelete, IDs: ids}
}

// MoveRecord returns a node move record for sub.
func MoveRecord(sub SubID, id, before ID) Record {
	return Record{Sub: sub, Op: OpMove, IDs: []ID{id}, Before: before}
}

// IsNode reports whether r is a node-collection record.
func (r Record) IsNode() bool {
	return r.Op == OpAdd || r.Op == OpDelete || r.Op == OpMove
}
