package aggregate

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// DefaultMaxGroups bounds GROUP BY cardinality; configurable per query via
// WITH(max_groups=N) up to MaxGroupsCap.
const (
	DefaultMaxGroups = 10_000
	MaxGroupsCap     = 1_000_000
)

// GroupKey is one GROUP BY tuple: the raw values plus a precomputed 64-bit
// hash so the group map stays on the fast integer-key path. Equality
// compares hashes first, then values (hash collisions fall back to a full
// compare).
type GroupKey struct {
	Values []any
	Hash   uint64
}

// NewGroupKey hashes the tuple with xxhash over a type-tagged encoding so
// int64(1), float64(1) and "1" hash as distinct keys.
func NewGroupKey(values []any) GroupKey {
	d := xxhash.New()
	var buf [8]byte
	for _, v := range values {
		switch x := v.(type) {
		case nil:
			d.Write([]byte{0})
		case string:
			d.Write([]byte{1})
			d.WriteString(x)
		case float64:
			d.Write([]byte{2})
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(x))
			d.Write(buf[:])
		case int64:
			d.Write([]byte{3})
			binary.LittleEndian.PutUint64(buf[:], uint64(x))
			d.Write(buf[:])
		case bool:
			if x {
				d.Write([]byte{4, 1})
			} else {
				d.Write([]byte{4, 0})
			}
		default:
			d.Write([]byte{5})
			d.WriteString(fmt.Sprintf("%v", x))
		}
		d.Write([]byte{0xff})
	}
	return GroupKey{Values: values, Hash: d.Sum64()}
}

func (k GroupKey) equal(other GroupKey) bool {
	if k.Hash != other.Hash || len(k.Values) != len(other.Values) {
		return false
	}
	for i := range k.Values {
		if k.Values[i] != other.Values[i] {
			return false
		}
	}
	return true
}

type groupEntry struct {
	key GroupKey
	acc *Accumulator
}

// Grouped maps GroupKey -> Accumulator with a MaxGroups guard.
type Grouped struct {
	buckets   map[uint64][]*groupEntry
	count     int
	maxGroups int
}

func NewGrouped(maxGroups int) *Grouped {
	if maxGroups <= 0 {
		maxGroups = DefaultMaxGroups
	}
	if maxGroups > MaxGroupsCap {
		maxGroups = MaxGroupsCap
	}
	return &Grouped{buckets: make(map[uint64][]*groupEntry), maxGroups: maxGroups}
}

// Get returns the accumulator for key, creating it if new. Creating a group
// beyond the configured maximum returns a LimitExceeded/Cardinality error.
func (g *Grouped) Get(key GroupKey) (*Accumulator, error) {
	for _, e := range g.buckets[key.Hash] {
		if e.key.equal(key) {
			return e.acc, nil
		}
	}
	if g.count >= g.maxGroups {
		return nil, verrors.Limit(verrors.SubCardinality, "aggregate",
			fmt.Sprintf("group count exceeds max_groups=%d", g.maxGroups))
	}
	e := &groupEntry{key: key, acc: NewAccumulator()}
	g.buckets[key.Hash] = append(g.buckets[key.Hash], e)
	g.count++
	return e.acc, nil
}

// Each visits every (key, accumulator) pair in unspecified order; ordering
// is imposed at ORDER BY time.
func (g *Grouped) Each(fn func(key GroupKey, acc *Accumulator)) {
	for _, entries := range g.buckets {
		for _, e := range entries {
			fn(e.key, e.acc)
		}
	}
}

func (g *Grouped) Len() int { return g.count }
