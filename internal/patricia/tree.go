// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package patricia implements a compressed binary trie of network prefixes
// performing longest-prefix-match lookups.
//
// Nodes live in an arena and link to each other with arena indices, parents
// included. Nodes without prefix are glue nodes introduced at branching
// points and always have two children.
//
// Trees are not safe for concurrent modification. They are built once and
// then only read, so concurrent lookups are fine.
package patricia

import (
	"github.com/sqreen/go-cband/internal/sqlib/sqassert"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
)

// NodeID identifies a node of a tree. It is only valid for the tree which
// returned it and until the node is removed.
type NodeID int32

// None is the invalid node identifier.
const None NodeID = -1

type node struct {
	// Bit tested at this node.
	bit    int
	prefix *Prefix
	left   NodeID
	right  NodeID
	parent NodeID
	tag    interface{}
	used   bool
}

// Tree is a Patricia tree of prefixes of a single address family.
type Tree struct {
	family  Family
	maxBits int
	head    NodeID
	nodes   []node
	free    []NodeID
	active  int
	// Number of nodes having a prefix.
	prefixes int
}

// New returns an empty tree of the given address family.
func New(family Family) *Tree {
	return &Tree{
		family:  family,
		maxBits: family.MaxBits(),
		head:    None,
	}
}

// Family returns the address family of the tree.
func (t *Tree) Family() Family { return t.family }

// Len returns the number of prefixes stored in the tree.
func (t *Tree) Len() int { return t.prefixes }

// Nodes returns the number of active nodes, glue nodes included.
func (t *Tree) Nodes() int { return t.active }

func (t *Tree) n(id NodeID) *node { return &t.nodes[id] }

func (t *Tree) alloc(bit int, prefix *Prefix, parent NodeID) NodeID {
	var id NodeID
	if l := len(t.free); l > 0 {
		id = t.free[l-1]
		t.free = t.free[:l-1]
	} else {
		id = NodeID(len(t.nodes))
		t.nodes = append(t.nodes, node{})
	}
	t.nodes[id] = node{
		bit:    bit,
		prefix: prefix,
		left:   None,
		right:  None,
		parent: parent,
		used:   true,
	}
	t.active++
	if prefix != nil {
		t.prefixes++
	}
	return id
}

func (t *Tree) release(id NodeID) {
	n := t.n(id)
	sqassert.True(n.used)
	if n.prefix != nil {
		t.prefixes--
	}
	*n = node{left: None, right: None, parent: None}
	t.free = append(t.free, id)
	t.active--
}

// replaceChild makes `parent` point to `with` instead of `child`. The tree
// head is replaced when parent is None.
func (t *Tree) replaceChild(parent, child, with NodeID) {
	if parent == None {
		t.head = with
		return
	}
	p := t.n(parent)
	if p.right == child {
		p.right = with
	} else {
		sqassert.True(p.left == child)
		p.left = with
	}
}

func (t *Tree) check(p *Prefix) {
	if p.Family != t.family || p.Bitlen > t.maxBits {
		panic(sqerrors.NewKind(sqerrors.ConfigInvariantViolation, "prefix `%s` of %s bit length %d cannot be used in a %s tree of %d max bits", p, p.Family, p.Bitlen, t.family, t.maxBits))
	}
}

// testBit returns true when the given bit of the address is set. Bits at or
// beyond the max bits of the tree are never set.
func (t *Tree) testBit(addr *[16]byte, bit int) bool {
	return bit < t.maxBits && bitTest(addr, bit)
}

// Insert adds the prefix into the tree and returns its node. Inserting an
// already existing prefix returns the existing node. It panics when the
// prefix does not belong to the family of the tree.
func (t *Tree) Insert(prefix Prefix) NodeID {
	t.check(&prefix)
	bitlen := prefix.Bitlen
	addr := &prefix.Addr

	if t.head == None {
		t.head = t.alloc(bitlen, &prefix, None)
		return t.head
	}

	// Go down to the closest node holding a prefix.
	cur := t.head
	for {
		n := t.n(cur)
		if n.bit >= bitlen && n.prefix != nil {
			break
		}
		next := n.left
		if t.testBit(addr, n.bit) {
			next = n.right
		}
		if next == None {
			break
		}
		cur = next
	}

	closest := t.n(cur)
	sqassert.True(closest.prefix != nil)
	// Prefixes are heap-allocated: the pointer survives arena growth.
	testAddr := &closest.prefix.Addr
	checkBit := closest.bit
	if bitlen < checkBit {
		checkBit = bitlen
	}
	differBit := firstDifferingBit(addr, testAddr, checkBit)

	// Go back up to the node where the prefixes diverge.
	for parent := closest.parent; parent != None && t.n(parent).bit >= differBit; parent = t.n(cur).parent {
		cur = parent
	}

	n := t.n(cur)
	if differBit == bitlen && n.bit == bitlen {
		if n.prefix == nil {
			n.prefix = &prefix
			t.prefixes++
		}
		return cur
	}

	id := t.alloc(bitlen, &prefix, None)
	// The arena may have grown: refresh the pointer.
	n = t.n(cur)
	nn := t.n(id)

	switch {
	case n.bit == differBit:
		// New child of the current node.
		nn.parent = cur
		if t.testBit(addr, n.bit) {
			sqassert.True(n.right == None)
			n.right = id
		} else {
			sqassert.True(n.left == None)
			n.left = id
		}

	case bitlen == differBit:
		// The new node becomes the parent of the current node.
		if t.testBit(testAddr, bitlen) {
			nn.right = cur
		} else {
			nn.left = cur
		}
		nn.parent = n.parent
		t.replaceChild(n.parent, cur, id)
		n.parent = id

	default:
		// Both diverge at a new glue node.
		glue := t.alloc(differBit, nil, n.parent)
		n = t.n(cur)
		nn = t.n(id)
		g := t.n(glue)
		if t.testBit(addr, differBit) {
			g.right, g.left = id, cur
		} else {
			g.right, g.left = cur, id
		}
		nn.parent = glue
		t.replaceChild(n.parent, cur, glue)
		n.parent = glue
	}
	return id
}

// firstDifferingBit returns the index of the first bit differing between the
// two addresses, at most `checkBit`.
func firstDifferingBit(a, b *[16]byte, checkBit int) int {
	differBit := 0
	for i := 0; i*8 < checkBit; i++ {
		r := a[i] ^ b[i]
		if r == 0 {
			differBit = (i + 1) * 8
			continue
		}
		j := 0
		for ; j < 8; j++ {
			if r&(0x80>>uint(j)) != 0 {
				break
			}
		}
		differBit = i*8 + j
		break
	}
	if differBit > checkBit {
		differBit = checkBit
	}
	return differBit
}

// SearchBest returns the node of the longest prefix containing the key. When
// `inclusive` is false, a node having exactly the key prefix is not a match.
// Keys of another address family never match.
func (t *Tree) SearchBest(key *Prefix, inclusive bool) (NodeID, bool) {
	if t.head == None || key.Family != t.family || key.Bitlen > t.maxBits {
		return None, false
	}

	// Nodes holding a prefix along the path, at most one per bit.
	var stack [129]NodeID
	cnt := 0
	cur := t.head
	for {
		n := t.n(cur)
		if n.bit >= key.Bitlen {
			break
		}
		if n.prefix != nil {
			stack[cnt] = cur
			cnt++
		}
		if bitTest(&key.Addr, n.bit) {
			cur = n.right
		} else {
			cur = n.left
		}
		if cur == None {
			break
		}
	}
	if inclusive && cur != None && t.n(cur).prefix != nil {
		stack[cnt] = cur
		cnt++
	}

	// Deepest first: the longest match.
	for cnt--; cnt >= 0; cnt-- {
		id := stack[cnt]
		if t.n(id).prefix.Contains(key) {
			return id, true
		}
	}
	return None, false
}

// SearchExact returns the node of the given prefix.
func (t *Tree) SearchExact(prefix *Prefix) (NodeID, bool) {
	if t.head == None || prefix.Family != t.family || prefix.Bitlen > t.maxBits {
		return None, false
	}
	cur := t.head
	for {
		n := t.n(cur)
		if n.bit >= prefix.Bitlen {
			break
		}
		if bitTest(&prefix.Addr, n.bit) {
			cur = n.right
		} else {
			cur = n.left
		}
		if cur == None {
			return None, false
		}
	}
	n := t.n(cur)
	if n.bit > prefix.Bitlen || n.prefix == nil {
		return None, false
	}
	if compWithMask(&n.prefix.Addr, &prefix.Addr, prefix.Bitlen) {
		return cur, true
	}
	return None, false
}

// Prefix returns the prefix of the node. It returns false for glue nodes.
func (t *Tree) Prefix(id NodeID) (Prefix, bool) {
	n := t.n(id)
	if n.prefix == nil {
		return Prefix{}, false
	}
	return *n.prefix, true
}

// Tag returns the tag of the node.
func (t *Tree) Tag(id NodeID) interface{} { return t.n(id).tag }

// SetTag associates the tag to the node.
func (t *Tree) SetTag(id NodeID, tag interface{}) { t.n(id).tag = tag }

// Remove removes the prefix of the node. A node with two children is kept as
// a glue node. A leaf is deleted along with its parent when it becomes a glue
// node with a single child. A node with a single child is replaced by it.
func (t *Tree) Remove(id NodeID) {
	n := t.n(id)
	sqassert.True(n.used)

	if n.left != None && n.right != None {
		if n.prefix != nil {
			n.prefix = nil
			t.prefixes--
		}
		n.tag = nil
		return
	}

	if n.left == None && n.right == None {
		parent := n.parent
		t.release(id)
		if parent == None {
			sqassert.True(t.head == id)
			t.head = None
			return
		}

		p := t.n(parent)
		var child NodeID
		if p.right == id {
			p.right = None
			child = p.left
		} else {
			sqassert.True(p.left == id)
			p.left = None
			child = p.right
		}
		if p.prefix != nil {
			return
		}

		// The parent is a glue node left with a single child.
		sqassert.True(child != None)
		grandParent := p.parent
		t.replaceChild(grandParent, parent, child)
		t.n(child).parent = grandParent
		t.release(parent)
		return
	}

	child := n.right
	if child == None {
		child = n.left
	}
	parent := n.parent
	t.n(child).parent = parent
	t.release(id)
	t.replaceChild(parent, id, child)
}

// RemovePrefix removes the given prefix when it exists in the tree and
// returns true if it did.
func (t *Tree) RemovePrefix(prefix *Prefix) bool {
	id, ok := t.SearchExact(prefix)
	if !ok {
		return false
	}
	t.Remove(id)
	return true
}

// Walk calls `fn` with the prefix and tag of every prefixed node, parents
// before children. It stops when `fn` returns false.
func (t *Tree) Walk(fn func(p Prefix, tag interface{}) bool) {
	if t.head == None {
		return
	}
	// The depth is bounded by the max bits.
	stack := make([]NodeID, 0, t.maxBits+1)
	cur := t.head
	for cur != None {
		n := t.n(cur)
		if n.prefix != nil {
			if !fn(*n.prefix, n.tag) {
				return
			}
		}
		next := n.left
		if n.left != None {
			if n.right != None {
				stack = append(stack, n.right)
			}
		} else {
			next = n.right
		}
		if next == None && len(stack) > 0 {
			next = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		}
		cur = next
	}
}

// Clear removes every node of the tree and calls `fn`, when not nil, with
// the tag of every prefixed node.
func (t *Tree) Clear(fn func(tag interface{})) {
	if fn != nil {
		t.Walk(func(_ Prefix, tag interface{}) bool {
			fn(tag)
			return true
		})
	}
	t.head = None
	t.nodes = nil
	t.free = nil
	t.active = 0
	t.prefixes = 0
}
