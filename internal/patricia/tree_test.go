// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package patricia_test

import (
	"encoding/binary"
	"math/rand"
	"net"
	"testing"

	fuzz "github.com/google/gofuzz"
	kentik "github.com/kentik/patricia"
	"github.com/kentik/patricia/uint8_tree"
	"github.com/sqreen/go-cband/internal/patricia"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
	"github.com/stretchr/testify/require"
)

func insert(t *testing.T, tree *patricia.Tree, s string, tag interface{}) patricia.NodeID {
	p, err := patricia.ParsePrefix(s)
	require.NoError(t, err)
	id := tree.Insert(p)
	tree.SetTag(id, tag)
	return id
}

func lookup(t *testing.T, tree *patricia.Tree, ip string) interface{} {
	key, err := patricia.PrefixFromIP(net.ParseIP(ip))
	require.NoError(t, err)
	id, found := tree.SearchBest(&key, true)
	if !found {
		return nil
	}
	return tree.Tag(id)
}

func TestTree(t *testing.T) {
	t.Run("empty tree", func(t *testing.T) {
		tree := patricia.New(patricia.V4)
		require.Equal(t, 0, tree.Len())
		require.Nil(t, lookup(t, tree, "1.2.3.4"))
		p := patricia.MustParsePrefix("1.2.3.4")
		_, found := tree.SearchExact(&p)
		require.False(t, found)
		require.False(t, tree.RemovePrefix(&p))
	})

	t.Run("longest prefix match", func(t *testing.T) {
		tree := patricia.New(patricia.V4)
		insert(t, tree, "10.0.0.0/8", "A")
		insert(t, tree, "10.1.0.0/16", "B")
		require.Equal(t, "B", lookup(t, tree, "10.1.2.3"))
		require.Equal(t, "A", lookup(t, tree, "10.2.2.3"))
		require.Nil(t, lookup(t, tree, "192.168.1.1"))

		// The insertion order does not matter
		tree = patricia.New(patricia.V4)
		insert(t, tree, "10.1.0.0/16", "B")
		insert(t, tree, "10.0.0.0/8", "A")
		require.Equal(t, "B", lookup(t, tree, "10.1.2.3"))
		require.Equal(t, "A", lookup(t, tree, "10.2.2.3"))
		require.Nil(t, lookup(t, tree, "192.168.1.1"))
	})

	t.Run("nested prefixes", func(t *testing.T) {
		tree := patricia.New(patricia.V4)
		for _, p := range []string{"0/0", "10/8", "10.1/16", "10.1.2/24", "10.1.2.3/32", "10.1.3/24"} {
			insert(t, tree, p, p)
		}
		require.Equal(t, 6, tree.Len())
		require.Equal(t, "10.1.2.3/32", lookup(t, tree, "10.1.2.3"))
		require.Equal(t, "10.1.2/24", lookup(t, tree, "10.1.2.4"))
		require.Equal(t, "10.1.3/24", lookup(t, tree, "10.1.3.4"))
		require.Equal(t, "10.1/16", lookup(t, tree, "10.1.4.4"))
		require.Equal(t, "10/8", lookup(t, tree, "10.4.4.4"))
		require.Equal(t, "0/0", lookup(t, tree, "11.4.4.4"))
	})

	t.Run("exclusive search", func(t *testing.T) {
		tree := patricia.New(patricia.V4)
		insert(t, tree, "10/8", "A")
		insert(t, tree, "10.1.2.3/32", "host")
		key := patricia.MustParsePrefix("10.1.2.3")
		id, found := tree.SearchBest(&key, false)
		require.True(t, found)
		require.Equal(t, "A", tree.Tag(id))
		id, found = tree.SearchBest(&key, true)
		require.True(t, found)
		require.Equal(t, "host", tree.Tag(id))
	})

	t.Run("idempotent insertion", func(t *testing.T) {
		tree := patricia.New(patricia.V4)
		id := insert(t, tree, "10.1/16", "B")
		again := tree.Insert(patricia.MustParsePrefix("10.1.0.0/16"))
		require.Equal(t, id, again)
		// Bits beyond the prefix length do not make another prefix
		again = tree.Insert(patricia.MustParsePrefix("10.1.42.42/16"))
		require.Equal(t, id, again)
		require.Equal(t, 1, tree.Len())
		require.Equal(t, 1, tree.Nodes())
		require.Equal(t, "B", tree.Tag(again))
	})

	t.Run("glue nodes", func(t *testing.T) {
		tree := patricia.New(patricia.V4)
		insert(t, tree, "10.0.0.0/16", "A")
		insert(t, tree, "10.128.0.0/16", "B")
		// Both prefixes diverge at bit 8 where a glue node was added
		require.Equal(t, 2, tree.Len())
		require.Equal(t, 3, tree.Nodes())
		require.Nil(t, lookup(t, tree, "10.64.0.1"))

		// Inserting the glue prefix reuses the glue node
		insert(t, tree, "10/8", "C")
		require.Equal(t, 3, tree.Len())
		require.Equal(t, 3, tree.Nodes())
		require.Equal(t, "C", lookup(t, tree, "10.64.0.1"))
	})

	t.Run("removal", func(t *testing.T) {
		tree := patricia.New(patricia.V4)
		a := insert(t, tree, "10/8", "A")
		b := insert(t, tree, "10.1/16", "B")
		insert(t, tree, "10.1.2.3/32", "host")
		insert(t, tree, "10.1.128/24", "C")

		// Node with two children: kept as glue
		tree.Remove(b)
		require.Equal(t, 3, tree.Len())
		require.Equal(t, "A", lookup(t, tree, "10.1.4.4"))
		require.Equal(t, "host", lookup(t, tree, "10.1.2.3"))
		require.Equal(t, "C", lookup(t, tree, "10.1.128.1"))
		p := patricia.MustParsePrefix("10.1/16")
		_, found := tree.SearchExact(&p)
		require.False(t, found)

		// Leaf whose parent becomes a glue node with a single child
		require.True(t, tree.RemovePrefix(ptr(patricia.MustParsePrefix("10.1.128/24"))))
		require.Equal(t, "A", lookup(t, tree, "10.1.128.1"))
		require.Equal(t, "host", lookup(t, tree, "10.1.2.3"))
		require.Equal(t, 2, tree.Len())
		require.Equal(t, 2, tree.Nodes())

		// Node with a single child
		tree.Remove(a)
		require.Nil(t, lookup(t, tree, "10.1.128.1"))
		require.Equal(t, "host", lookup(t, tree, "10.1.2.3"))
		require.Equal(t, 1, tree.Len())
		require.Equal(t, 1, tree.Nodes())

		// Last node
		require.True(t, tree.RemovePrefix(ptr(patricia.MustParsePrefix("10.1.2.3"))))
		require.Equal(t, 0, tree.Len())
		require.Equal(t, 0, tree.Nodes())
		require.Nil(t, lookup(t, tree, "10.1.2.3"))

		// Freed slots are reused
		insert(t, tree, "10.1/16", "B")
		require.Equal(t, "B", lookup(t, tree, "10.1.2.3"))
	})

	t.Run("ipv6", func(t *testing.T) {
		tree := patricia.New(patricia.V6)
		insert(t, tree, "fd00::/8", 1)
		insert(t, tree, "fd00::/16", 2)
		insert(t, tree, "fd00::/24", 3)
		insert(t, tree, "fd00::42/128", 4)
		require.Equal(t, 4, lookup(t, tree, "fd00::42"))
		require.Equal(t, 3, lookup(t, tree, "fd00::43"))
		require.Equal(t, 2, lookup(t, tree, "fd00:ff::"))
		require.Equal(t, 1, lookup(t, tree, "fdff::"))
		require.Nil(t, lookup(t, tree, "fe00::"))
		// IPv4 keys do not match in IPv6 trees
		require.Nil(t, lookup(t, tree, "10.0.0.1"))
	})

	t.Run("invariant violations", func(t *testing.T) {
		tree := patricia.New(patricia.V4)
		require.Panics(t, func() {
			tree.Insert(patricia.MustParsePrefix("fd00::/8"))
		})
		require.Panics(t, func() {
			tree.Insert(patricia.Prefix{Family: patricia.V4, Bitlen: 33})
		})
		err := func() (err error) {
			defer func() { err = recover().(error) }()
			tree.Insert(patricia.Prefix{Family: patricia.V4, Bitlen: 64})
			return nil
		}()
		require.True(t, sqerrors.Is(err, sqerrors.ConfigInvariantViolation))
	})

	t.Run("walk and clear", func(t *testing.T) {
		tree := patricia.New(patricia.V4)
		prefixes := []string{"10/8", "10.1/16", "192.168/16", "172.16/12", "10.1.2.3"}
		for i, p := range prefixes {
			insert(t, tree, p, i)
		}
		var walked []string
		tree.Walk(func(p patricia.Prefix, _ interface{}) bool {
			walked = append(walked, p.String())
			return true
		})
		require.Len(t, walked, len(prefixes))
		// Parents before children
		require.Equal(t, "10.0.0.0/8", walked[0])

		var n int
		tree.Walk(func(patricia.Prefix, interface{}) bool {
			n++
			return false
		})
		require.Equal(t, 1, n)

		var tags []int
		tree.Clear(func(tag interface{}) {
			tags = append(tags, tag.(int))
		})
		require.ElementsMatch(t, []int{0, 1, 2, 3, 4}, tags)
		require.Equal(t, 0, tree.Len())
		require.Nil(t, lookup(t, tree, "10.1.2.3"))
	})
}

func ptr(p patricia.Prefix) *patricia.Prefix { return &p }

func randPrefixV4(r *rand.Rand, minBits int) patricia.Prefix {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], r.Uint32())
	bitlen := minBits + r.Intn(32-minBits+1)
	p, _ := patricia.MakePrefix(patricia.V4, b[:], bitlen)
	return p
}

// bruteForceBest returns the index of the longest prefix of the list
// containing the key.
func bruteForceBest(prefixes []patricia.Prefix, removed map[int]bool, key *patricia.Prefix) int {
	best := -1
	for i := range prefixes {
		if removed[i] || !prefixes[i].Contains(key) {
			continue
		}
		if best == -1 || prefixes[i].Bitlen > prefixes[best].Bitlen {
			best = i
		}
	}
	return best
}

func TestRandomHostRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	tree := patricia.New(patricia.V4)
	hosts := map[patricia.Prefix]patricia.NodeID{}
	for len(hosts) < 10000 {
		p := randPrefixV4(r, 32)
		hosts[p] = tree.Insert(p)
	}
	require.Equal(t, len(hosts), tree.Len())
	for p, id := range hosts {
		p := p
		found, ok := tree.SearchBest(&p, true)
		require.True(t, ok)
		require.Equal(t, id, found)
		found, ok = tree.SearchExact(&p)
		require.True(t, ok)
		require.Equal(t, id, found)
	}
}

func TestLongestPrefixMatchProperty(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for round := 0; round < 20; round++ {
		tree := patricia.New(patricia.V4)
		var prefixes []patricia.Prefix
		ids := map[patricia.NodeID]int{}
		for i := 0; i < 300; i++ {
			p := randPrefixV4(r, 4)
			if _, exists := tree.SearchExact(&p); exists {
				continue
			}
			id := tree.Insert(p)
			ids[id] = len(prefixes)
			tree.SetTag(id, len(prefixes))
			prefixes = append(prefixes, p)
		}
		require.Equal(t, len(prefixes), tree.Len())

		check := func(removed map[int]bool) {
			for i := 0; i < 2000; i++ {
				key := randPrefixV4(r, 32)
				// Also look up addresses inside the stored prefixes
				if i%2 == 0 {
					key.Addr = prefixes[r.Intn(len(prefixes))].Addr
					key.Addr[3] ^= byte(r.Intn(256))
				}
				expected := bruteForceBest(prefixes, removed, &key)
				id, found := tree.SearchBest(&key, true)
				if expected == -1 {
					require.False(t, found, "key %s", key)
					continue
				}
				require.True(t, found, "key %s", key)
				require.Equal(t, expected, tree.Tag(id), "key %s", key)
			}
		}
		check(nil)

		// Remove half of the prefixes and check the lookups fall back to
		// the next longest remaining prefix.
		removed := map[int]bool{}
		for i := range prefixes {
			if r.Intn(2) == 0 {
				continue
			}
			require.True(t, tree.RemovePrefix(&prefixes[i]))
			removed[i] = true
		}
		require.Equal(t, len(prefixes)-len(removed), tree.Len())
		check(removed)
	}
}

// The kentik tree is the radix tree of reference.
func TestDifferentialWithKentikTree(t *testing.T) {
	f := fuzz.New().NilChance(0)
	for round := 0; round < 20; round++ {
		ours := patricia.New(patricia.V4)
		reference := uint8_tree.NewTreeV4()
		for tag := 0; tag < 200; tag++ {
			var addr uint32
			var bits uint8
			f.Fuzz(&addr)
			f.Fuzz(&bits)
			bitlen := 1 + int(bits)%32

			var b [4]byte
			binary.BigEndian.PutUint32(b[:], addr)
			p, err := patricia.MakePrefix(patricia.V4, b[:], bitlen)
			require.NoError(t, err)
			id := ours.Insert(p)
			if ours.Tag(id) == nil {
				ours.SetTag(id, uint8(tag))
			}

			// Keep the first tag of an existing prefix like above
			_, _, err = reference.Add(kentik.NewIPv4Address(addr, uint(bitlen)), uint8(tag), func(uint8, uint8) bool { return true })
			require.NoError(t, err)
		}

		for i := 0; i < 1000; i++ {
			var addr uint32
			f.Fuzz(&addr)
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], addr)
			key, _ := patricia.MakePrefix(patricia.V4, b[:], 32)

			tags, err := reference.FindTags(kentik.NewIPv4Address(addr, 32))
			require.NoError(t, err)
			id, found := ours.SearchBest(&key, true)
			if len(tags) == 0 {
				require.False(t, found)
				continue
			}
			require.True(t, found)
			// The right-most tag is the deepest match
			require.Equal(t, tags[len(tags)-1], ours.Tag(id))
		}
	}
}
