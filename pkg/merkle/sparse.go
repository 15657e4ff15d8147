package merkle

import "github.com/reilabs/signup-sequencer/pkg/field"

// sparseCore is a sparse Merkle tree of fixed depth over field.Element
// leaves, materialized as per-level node maps. Unset leaves (and the
// subtrees above them) are the empty-leaf sentinel by construction, so an
// all-zero tree costs O(depth) to represent rather than O(2^depth).
//
// Not safe for concurrent use; callers serialize access (tree.go holds the
// lock for the aggregate this is embedded in).
type sparseCore struct {
	depth int
	zero  []field.Element             // zero[i]: hash of an empty subtree of height i
	nodes []map[uint64]field.Element  // nodes[i][idx]: non-empty node at level i, index idx (level 0 = leaves)
}

func newSparseCore(depth int) *sparseCore {
	zero := make([]field.Element, depth+1)
	zero[0] = field.Zero()
	for i := 1; i <= depth; i++ {
		zero[i] = field.MustPoseidon(zero[i-1], zero[i-1])
	}
	nodes := make([]map[uint64]field.Element, depth+1)
	for i := range nodes {
		nodes[i] = make(map[uint64]field.Element)
	}
	return &sparseCore{depth: depth, zero: zero, nodes: nodes}
}

func (c *sparseCore) nodeAt(level int, idx uint64) field.Element {
	if v, ok := c.nodes[level][idx]; ok {
		return v
	}
	return c.zero[level]
}

func (c *sparseCore) leafAt(index uint64) field.Element {
	return c.nodeAt(0, index)
}

// setLeaf writes value at index and recomputes every ancestor hash up to
// the root. Writing the zero element removes the node from its level's map
// rather than storing an explicit zero, keeping the sparse representation
// sparse.
func (c *sparseCore) setLeaf(index uint64, value field.Element) {
	idx := index
	if value.IsZero() {
		delete(c.nodes[0], idx)
	} else {
		c.nodes[0][idx] = value
	}
	for level := 0; level < c.depth; level++ {
		parent := idx >> 1
		var left, right field.Element
		if idx%2 == 0 {
			left, right = c.nodeAt(level, idx), c.nodeAt(level, idx^1)
		} else {
			left, right = c.nodeAt(level, idx^1), c.nodeAt(level, idx)
		}
		h := field.MustPoseidon(left, right)
		if h.Equal(c.zero[level+1]) {
			delete(c.nodes[level+1], parent)
		} else {
			c.nodes[level+1][parent] = h
		}
		idx = parent
	}
}

func (c *sparseCore) root() field.Element {
	return c.nodeAt(c.depth, 0)
}

// siblingPath returns the depth sibling hashes from leaf to root, the
// ingredients of a Merkle inclusion proof.
func (c *sparseCore) siblingPath(index uint64) []field.Element {
	path := make([]field.Element, c.depth)
	idx := index
	for level := 0; level < c.depth; level++ {
		path[level] = c.nodeAt(level, idx^1)
		idx >>= 1
	}
	return path
}

// clone deep-copies the node maps so the result can diverge from c without
// aliasing.
func (c *sparseCore) clone() *sparseCore {
	out := &sparseCore{depth: c.depth, zero: c.zero, nodes: make([]map[uint64]field.Element, len(c.nodes))}
	for i, m := range c.nodes {
		cp := make(map[uint64]field.Element, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out.nodes[i] = cp
	}
	return out
}
