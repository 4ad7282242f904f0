package batch

import (
	"cmp"
	"slices"
	"time"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/record"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/schema"
)

// GroupKey identifies a group. The table is part of the key so equal routing keys of
// two tables never end up in the same batch.
type GroupKey struct {
	Table      schema.TableTarget
	RoutingKey string
}

func KeyOf(s *record.BoundStatement) GroupKey {
	return GroupKey{Table: s.Statement.Target, RoutingKey: string(s.RoutingKey)}
}

// Group is the ordered list of statements sharing a key.
type Group struct {
	Key        GroupKey
	Statements []*record.BoundStatement

	seq     uint64
	created time.Time
}

func (g *Group) Len() int {
	return len(g.Statements)
}

// Groups is the working set of the grouping worker. It is not safe for concurrent use.
type Groups struct {
	byKey map[GroupKey]*Group
	seq   uint64
	now   func() time.Time
}

func NewGroups() *Groups {
	return &Groups{
		byKey: make(map[GroupKey]*Group),
		seq:   0,
		now:   time.Now,
	}
}

// Add appends s to its group, creating the group on first use, and returns the group
// that received it.
func (g *Groups) Add(s *record.BoundStatement) *Group {
	key := KeyOf(s)

	grp, ok := g.byKey[key]
	if !ok {
		g.seq++
		grp = &Group{Key: key, Statements: nil, seq: g.seq, created: g.now()}
		g.byKey[key] = grp
	}
	grp.Statements = append(grp.Statements, s)

	return grp
}

func (g *Groups) Remove(key GroupKey) (*Group, bool) {
	grp, ok := g.byKey[key]
	if ok {
		delete(g.byKey, key)
	}

	return grp, ok
}

// Drain removes every group and returns them in order of first arrival.
func (g *Groups) Drain() []*Group {
	return g.take(func(*Group) bool { return true })
}

// DrainOlder removes the groups created before cutoff.
func (g *Groups) DrainOlder(cutoff time.Time) []*Group {
	return g.take(func(grp *Group) bool { return grp.created.Before(cutoff) })
}

// Len returns the number of groups.
func (g *Groups) Len() int {
	return len(g.byKey)
}

func (g *Groups) take(match func(*Group) bool) []*Group {
	var out []*Group
	for key, grp := range g.byKey {
		if match(grp) {
			out = append(out, grp)
			delete(g.byKey, key)
		}
	}
	slices.SortFunc(out, func(a, b *Group) int {
		return cmp.Compare(a.seq, b.seq)
	})

	return out
}
