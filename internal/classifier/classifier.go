// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package classifier classifies client addresses into destination classes
// using the longest prefix matching the address among the class
// destinations.
package classifier

import (
	"net"

	"github.com/sqreen/go-cband/internal/patricia"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
)

const (
	// MaxClasses is the maximum number of destination classes.
	MaxClasses = 32
	// Unclassified is the class index of addresses matching no destination.
	Unclassified = -1
)

// Definition of a destination class. Its index is its position in the list
// of definitions.
type Definition struct {
	Name         string
	Destinations []string
}

// Classifier is a read-only set of destination classes.
type Classifier struct {
	v4    *patricia.Tree
	v6    *patricia.Tree
	names []string
}

// New returns the classifier of the given class definitions. Invalid
// destinations and classes beyond MaxClasses are skipped: the classifier is
// always usable and the returned error, when not nil, lists what was
// skipped. A destination listed by several classes belongs to the last one.
func New(defs []Definition) (*Classifier, error) {
	c := &Classifier{
		v4: patricia.New(patricia.V4),
		v6: patricia.New(patricia.V6),
	}
	var errs sqerrors.ErrorCollection
	for i, def := range defs {
		if i >= MaxClasses {
			errs.Add(sqerrors.NewKind(sqerrors.ConfigInvariantViolation, "class `%s` ignored: only %d destination classes can be defined", def.Name, MaxClasses))
			continue
		}
		c.names = append(c.names, def.Name)
		for _, dst := range def.Destinations {
			p, err := patricia.ParsePrefix(dst)
			if err != nil {
				errs.Add(sqerrors.Wrapf(err, "class `%s`", def.Name))
				continue
			}
			tree := c.v4
			if p.Family == patricia.V6 {
				tree = c.v6
			}
			tree.SetTag(tree.Insert(p), i)
		}
	}
	return c, errs.ToError()
}

// Classify returns the class index of the given address, or Unclassified and
// false when it matches no destination.
func (c *Classifier) Classify(ip net.IP) (class int, ok bool) {
	key, err := patricia.PrefixFromIP(ip)
	if err != nil {
		return Unclassified, false
	}
	return c.classify(&key)
}

// ClassifyString is Classify of a textual address. Malformed addresses are
// unclassified.
func (c *Classifier) ClassifyString(addr string) (class int, ok bool) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return Unclassified, false
	}
	return c.Classify(ip)
}

func (c *Classifier) classify(key *patricia.Prefix) (int, bool) {
	tree := c.v4
	if key.Family == patricia.V6 {
		tree = c.v6
	}
	id, found := tree.SearchBest(key, true)
	if !found {
		return Unclassified, false
	}
	class, ok := tree.Tag(id).(int)
	if !ok {
		return Unclassified, false
	}
	return class, true
}

// Len returns the number of classes.
func (c *Classifier) Len() int { return len(c.names) }

// Name returns the name of the class index.
func (c *Classifier) Name(class int) string {
	if class < 0 || class >= len(c.names) {
		return ""
	}
	return c.names[class]
}

// Index returns the index of the named class.
func (c *Classifier) Index(name string) (int, bool) {
	for i, n := range c.names {
		if n == name {
			return i, true
		}
	}
	return Unclassified, false
}

// Destinations returns the prefixes of the given class.
func (c *Classifier) Destinations(class int) []patricia.Prefix {
	var prefixes []patricia.Prefix
	collect := func(p patricia.Prefix, tag interface{}) bool {
		if tag == class {
			prefixes = append(prefixes, p)
		}
		return true
	}
	c.v4.Walk(collect)
	c.v6.Walk(collect)
	return prefixes
}
