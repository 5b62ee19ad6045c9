package graph

import (
	"context"

	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// TraversalConfig bounds a BFS/DFS call.
type TraversalConfig struct {
	MaxDepth int      // depth 0 = source itself, never yielded; default >= 1
	RelTypes []string // empty = no label filter
	Limit    int      // 0 = unbounded

	MaxNodesVisited int // 0 = unbounded
}

// TraversalResult is one reachable node discovered during a walk.
type TraversalResult struct {
	TargetID uint64
	Depth    int
	Path     []uint64 // node ids from source, inclusive of target, exclusive of source
}

func labelAllowed(label string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, l := range allowed {
		if l == label {
			return true
		}
	}
	return false
}

type queueItem struct {
	node  uint64
	depth int
	path  []uint64
}

// BFS walks the edge store breadth-first from source, honoring max depth,
// an optional relationship-type filter, and a yield limit. It never
// revisits a node (visited set). Ctx is checked once per dequeued node so
// a deadline can abort a long traversal between hops, never mid-hop.
func BFS(ctx context.Context, store *Store, source uint64, cfg TraversalConfig) ([]TraversalResult, error) {
	return bfsCollect(ctx, store, source, cfg)
}

func bfsCollect(ctx context.Context, store *Store, source uint64, cfg TraversalConfig) ([]TraversalResult, error) {
	maxDepth := cfg.MaxDepth
	if maxDepth < 1 {
		maxDepth = 1
	}

	visited := map[uint64]bool{source: true}
	queue := []queueItem{{node: source, depth: 0, path: nil}}
	var results []TraversalResult
	visitedCount := 1

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return results, verrors.Wrap(verrors.LimitExceeded, "graph", "traversal deadline exceeded", ctx.Err())
		default:
		}

		item := queue[0]
		queue = queue[1:]

		if item.depth >= maxDepth {
			continue
		}

		for _, e := range store.GetOutgoing(item.node) {
			if !labelAllowed(e.Label, cfg.RelTypes) {
				continue
			}
			if visited[e.To] {
				continue
			}
			visited[e.To] = true
			visitedCount++

			if cfg.MaxNodesVisited > 0 && visitedCount > cfg.MaxNodesVisited {
				return results, verrors.Limit(verrors.SubCardinality, "graph", "traversal exceeded max nodes visited")
			}

			path := append(append([]uint64{}, item.path...), e.To)
			depth := item.depth + 1
			results = append(results, TraversalResult{TargetID: e.To, Depth: depth, Path: path})
			if cfg.Limit > 0 && len(results) >= cfg.Limit {
				return results, nil
			}
			queue = append(queue, queueItem{node: e.To, depth: depth, path: path})
		}
	}
	return results, nil
}

// DFS mirrors BFS's contract but walks depth-first, useful when callers
// want path discovery order rather than shortest-path order.
func DFS(ctx context.Context, store *Store, source uint64, cfg TraversalConfig) ([]TraversalResult, error) {
	maxDepth := cfg.MaxDepth
	if maxDepth < 1 {
		maxDepth = 1
	}

	visited := map[uint64]bool{source: true}
	stack := []queueItem{{node: source, depth: 0, path: nil}}
	var results []TraversalResult
	visitedCount := 1

	for len(stack) > 0 {
		select {
		case <-ctx.Done():
			return results, verrors.Wrap(verrors.LimitExceeded, "graph", "traversal deadline exceeded", ctx.Err())
		default:
		}

		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if item.depth >= maxDepth {
			continue
		}

		outgoing := store.GetOutgoing(item.node)
		for i := len(outgoing) - 1; i >= 0; i-- {
			e := outgoing[i]
			if !labelAllowed(e.Label, cfg.RelTypes) || visited[e.To] {
				continue
			}
			visited[e.To] = true
			visitedCount++
			if cfg.MaxNodesVisited > 0 && visitedCount > cfg.MaxNodesVisited {
				return results, verrors.Limit(verrors.SubCardinality, "graph", "traversal exceeded max nodes visited")
			}

			path := append(append([]uint64{}, item.path...), e.To)
			depth := item.depth + 1
			results = append(results, TraversalResult{TargetID: e.To, Depth: depth, Path: path})
			if cfg.Limit > 0 && len(results) >= cfg.Limit {
				return results, nil
			}
			stack = append(stack, queueItem{node: e.To, depth: depth, path: path})
		}
	}
	return results, nil
}

// BFSStream yields TraversalResult values lazily, in BFS discovery order,
// over a channel closed when the walk finishes (or fails). Sibling order
// within a node follows GetOutgoing, which returns edge ids in no defined
// order; it does not follow insertion order.
func BFSStream(ctx context.Context, store *Store, source uint64, cfg TraversalConfig) (<-chan TraversalResult, <-chan error) {
	out := make(chan TraversalResult)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		maxDepth := cfg.MaxDepth
		if maxDepth < 1 {
			maxDepth = 1
		}
		visited := map[uint64]bool{source: true}
		queue := []queueItem{{node: source, depth: 0, path: nil}}
		visitedCount := 1
		yielded := 0

		for len(queue) > 0 {
			select {
			case <-ctx.Done():
				errc <- verrors.Wrap(verrors.LimitExceeded, "graph", "traversal deadline exceeded", ctx.Err())
				return
			default:
			}

			item := queue[0]
			queue = queue[1:]
			if item.depth >= maxDepth {
				continue
			}

			for _, e := range store.GetOutgoing(item.node) {
				if !labelAllowed(e.Label, cfg.RelTypes) || visited[e.To] {
					continue
				}
				visited[e.To] = true
				visitedCount++
				if cfg.MaxNodesVisited > 0 && visitedCount > cfg.MaxNodesVisited {
					errc <- verrors.Limit(verrors.SubCardinality, "graph", "traversal exceeded max nodes visited")
					return
				}

				path := append(append([]uint64{}, item.path...), e.To)
				depth := item.depth + 1
				select {
				case out <- TraversalResult{TargetID: e.To, Depth: depth, Path: path}:
				case <-ctx.Done():
					errc <- verrors.Wrap(verrors.LimitExceeded, "graph", "traversal deadline exceeded", ctx.Err())
					return
				}
				yielded++
				if cfg.Limit > 0 && yielded >= cfg.Limit {
					return
				}
				queue = append(queue, queueItem{node: e.To, depth: depth, path: path})
			}
		}
	}()

	return out, errc
}
