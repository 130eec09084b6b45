package kauri

import "fmt"

// ID uniquely identifies a replica. IDs are assigned at boot and persist
// across view changes; only the tree topology and the designated leader
// for a view change.
type ID uint32

// String returns a human-readable representation of the ID.
func (id ID) String() string {
	return fmt.Sprintf("r%d", uint32(id))
}

// View is a monotonically increasing proposal counter, also the block
// chain's height: genesis is view 0, and a block's view is the view it
// was proposed in, which is higher than its primary parent's view but
// not necessarily by one (views without a committed proposal are
// skipped).
type View uint64

// String returns a human-readable representation of the view.
func (v View) String() string {
	return fmt.Sprintf("view %d", uint64(v))
}

// ToBytes returns the big-endian encoding of the view (package
// persistence stores the last-voted view in this form).
func (v View) ToBytes() [8]byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}
