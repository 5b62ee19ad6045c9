// Package graph implements the property-graph edge store and traversal
// engine.
package graph

import (
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// Edge is a directed, labeled connection between two node ids, with
// optional JSON properties.
type Edge struct {
	ID    uint64
	From  uint64
	To    uint64
	Label string
	Props map[string]any
}

const numEdgeShards = 32

type edgeShard struct {
	mu sync.RWMutex

	edges     map[uint64]Edge
	outgoing  map[uint64]mapset.Set[uint64]
	incoming  map[uint64]mapset.Set[uint64]
	nodeShard map[uint64]bool // nodes whose outgoing/incoming sets live in this shard
}

func newEdgeShard() *edgeShard {
	return &edgeShard{
		edges:     make(map[uint64]Edge),
		outgoing:  make(map[uint64]mapset.Set[uint64]),
		incoming:  make(map[uint64]mapset.Set[uint64]),
		nodeShard: make(map[uint64]bool),
	}
}

// Store is the concurrent edge table: edges keyed
// by id, per-node outgoing/incoming adjacency sets, and a label index.
// Adjacency is sharded by the owning node id so degree queries only ever
// touch one shard's lock.
type Store struct {
	shards [numEdgeShards]*edgeShard

	labelMu sync.RWMutex
	byLabel map[string]mapset.Set[uint64]
}

func NewStore() *Store {
	s := &Store{byLabel: make(map[string]mapset.Set[uint64])}
	for i := range s.shards {
		s.shards[i] = newEdgeShard()
	}
	return s
}

func (s *Store) shardForNode(id uint64) *edgeShard {
	return s.shards[id%numEdgeShards]
}

// AddEdge inserts a new edge. Returns an error if id is already in use.
func (s *Store) AddEdge(e Edge) error {
	label := strings.TrimSpace(e.Label)
	if label == "" {
		return verrors.New(verrors.ParamInvalid, "graph", "edge label must be non-empty")
	}
	e.Label = label

	if _, _, exists := s.findEdge(e.ID); exists {
		return verrors.New(verrors.ParamInvalid, "graph", "edge id already in use")
	}

	fromShard := s.shardForNode(e.From)
	fromShard.mu.Lock()
	if _, exists := fromShard.edges[e.ID]; exists {
		fromShard.mu.Unlock()
		return verrors.New(verrors.ParamInvalid, "graph", "edge id already in use")
	}
	fromShard.edges[e.ID] = e
	if fromShard.outgoing[e.From] == nil {
		fromShard.outgoing[e.From] = mapset.NewThreadUnsafeSet[uint64]()
	}
	fromShard.outgoing[e.From].Add(e.ID)
	fromShard.nodeShard[e.From] = true
	fromShard.mu.Unlock()

	toShard := s.shardForNode(e.To)
	toShard.mu.Lock()
	if toShard.incoming[e.To] == nil {
		toShard.incoming[e.To] = mapset.NewThreadUnsafeSet[uint64]()
	}
	toShard.incoming[e.To].Add(e.ID)
	toShard.nodeShard[e.To] = true
	toShard.mu.Unlock()

	s.labelMu.Lock()
	if s.byLabel[label] == nil {
		s.byLabel[label] = mapset.NewThreadUnsafeSet[uint64]()
	}
	s.byLabel[label].Add(e.ID)
	s.labelMu.Unlock()

	return nil
}

func (s *Store) findEdge(id uint64) (Edge, *edgeShard, bool) {
	// An edge is always stored in its From node's shard.
	for _, shard := range s.shards {
		shard.mu.RLock()
		e, ok := shard.edges[id]
		shard.mu.RUnlock()
		if ok {
			return e, shard, true
		}
	}
	return Edge{}, nil, false
}

// RemoveEdge deletes an edge by id. No-op if it doesn't exist.
func (s *Store) RemoveEdge(id uint64) {
	e, fromShard, ok := s.findEdge(id)
	if !ok {
		return
	}

	fromShard.mu.Lock()
	delete(fromShard.edges, id)
	if set, ok := fromShard.outgoing[e.From]; ok {
		set.Remove(id)
	}
	fromShard.mu.Unlock()

	toShard := s.shardForNode(e.To)
	toShard.mu.Lock()
	if set, ok := toShard.incoming[e.To]; ok {
		set.Remove(id)
	}
	toShard.mu.Unlock()

	s.labelMu.Lock()
	if set, ok := s.byLabel[e.Label]; ok {
		set.Remove(id)
	}
	s.labelMu.Unlock()
}

// RemoveNode deletes a node and cascades to every edge touching it.
func (s *Store) RemoveNode(id uint64) {
	shard := s.shardForNode(id)

	shard.mu.RLock()
	var toRemove []uint64
	if out, ok := shard.outgoing[id]; ok {
		toRemove = append(toRemove, out.ToSlice()...)
	}
	if in, ok := shard.incoming[id]; ok {
		toRemove = append(toRemove, in.ToSlice()...)
	}
	shard.mu.RUnlock()

	for _, edgeID := range toRemove {
		s.RemoveEdge(edgeID)
	}

	shard.mu.Lock()
	delete(shard.outgoing, id)
	delete(shard.incoming, id)
	delete(shard.nodeShard, id)
	shard.mu.Unlock()
}

// GetOutgoing returns the edges leaving node id.
func (s *Store) GetOutgoing(id uint64) []Edge {
	shard := s.shardForNode(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	set, ok := shard.outgoing[id]
	if !ok {
		return nil
	}
	out := make([]Edge, 0, set.Cardinality())
	for _, edgeID := range set.ToSlice() {
		if e, ok := shard.edges[edgeID]; ok {
			out = append(out, e)
		}
	}
	return out
}

// GetIncoming returns the edges arriving at node id.
func (s *Store) GetIncoming(id uint64) []Edge {
	shard := s.shardForNode(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	set, ok := shard.incoming[id]
	if !ok {
		return nil
	}
	out := make([]Edge, 0, set.Cardinality())
	for _, edgeID := range set.ToSlice() {
		// Incoming edges are stored under their From node's shard.
		if e, _, found := s.findEdge(edgeID); found {
			out = append(out, e)
		}
	}
	return out
}

// GetByLabel returns every edge with the given label.
func (s *Store) GetByLabel(label string) []Edge {
	s.labelMu.RLock()
	set, ok := s.byLabel[label]
	s.labelMu.RUnlock()
	if !ok {
		return nil
	}
	out := make([]Edge, 0, set.Cardinality())
	for _, edgeID := range set.ToSlice() {
		if e, _, found := s.findEdge(edgeID); found {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) OutDegree(id uint64) int {
	shard := s.shardForNode(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	if set, ok := shard.outgoing[id]; ok {
		return set.Cardinality()
	}
	return 0
}

func (s *Store) InDegree(id uint64) int {
	shard := s.shardForNode(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	if set, ok := shard.incoming[id]; ok {
		return set.Cardinality()
	}
	return 0
}

func (s *Store) NodeExists(id uint64) bool {
	shard := s.shardForNode(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return shard.nodeShard[id]
}

func (s *Store) EdgeExists(id uint64) bool {
	_, _, ok := s.findEdge(id)
	return ok
}

// All returns every edge in the store, used for persistence.
func (s *Store) All() []Edge {
	var out []Edge
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, e := range shard.edges {
			out = append(out, e)
		}
		shard.mu.RUnlock()
	}
	return out
}
