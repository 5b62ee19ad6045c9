package graph

import (
	"context"
	"testing"
)

func addEdge(t *testing.T, s *Store, id, from, to uint64, label string) {
	t.Helper()
	if err := s.AddEdge(Edge{ID: id, From: from, To: to, Label: label}); err != nil {
		t.Fatalf("add edge %d: %v", id, err)
	}
}

func TestEdgeStoreBasics(t *testing.T) {
	s := NewStore()
	addEdge(t, s, 1, 10, 20, "KNOWS")
	addEdge(t, s, 2, 10, 30, "KNOWS")
	addEdge(t, s, 3, 20, 30, "LIKES")

	t.Run("DuplicateID", func(t *testing.T) {
		if err := s.AddEdge(Edge{ID: 1, From: 1, To: 2, Label: "X"}); err == nil {
			t.Error("expected error on reused edge id")
		}
	})

	t.Run("EmptyLabel", func(t *testing.T) {
		if err := s.AddEdge(Edge{ID: 9, From: 1, To: 2, Label: "  "}); err == nil {
			t.Error("expected error on empty label")
		}
	})

	t.Run("Degrees", func(t *testing.T) {
		if d := s.OutDegree(10); d != 2 {
			t.Errorf("out degree of 10: want 2, got %d", d)
		}
		if d := s.InDegree(30); d != 2 {
			t.Errorf("in degree of 30: want 2, got %d", d)
		}
	})

	t.Run("ByLabel", func(t *testing.T) {
		if got := len(s.GetByLabel("KNOWS")); got != 2 {
			t.Errorf("KNOWS edges: want 2, got %d", got)
		}
		if got := len(s.GetByLabel("MISSING")); got != 0 {
			t.Errorf("unknown label: want 0, got %d", got)
		}
	})

	t.Run("Exists", func(t *testing.T) {
		if !s.NodeExists(10) || !s.EdgeExists(3) {
			t.Error("expected node 10 and edge 3 to exist")
		}
		if s.NodeExists(99) || s.EdgeExists(99) {
			t.Error("unexpected phantom node/edge")
		}
	})

	t.Run("RemoveEdge", func(t *testing.T) {
		s.RemoveEdge(3)
		if s.EdgeExists(3) {
			t.Error("edge 3 still exists after removal")
		}
		if d := s.InDegree(30); d != 1 {
			t.Errorf("in degree of 30 after removal: want 1, got %d", d)
		}
	})

	t.Run("RemoveNodeCascades", func(t *testing.T) {
		s.RemoveNode(10)
		if s.EdgeExists(1) || s.EdgeExists(2) {
			t.Error("edges touching removed node survive")
		}
	})
}

func chainStore(t *testing.T) *Store {
	// 1 -> 2 -> 3 -> 4, plus a side branch 2 -> 5 and a cycle 4 -> 1.
	s := NewStore()
	addEdge(t, s, 1, 1, 2, "REL")
	addEdge(t, s, 2, 2, 3, "REL")
	addEdge(t, s, 3, 3, 4, "REL")
	addEdge(t, s, 4, 2, 5, "SIDE")
	addEdge(t, s, 5, 4, 1, "REL")
	return s
}

func TestBFSDepthAndOrder(t *testing.T) {
	s := chainStore(t)

	results, err := BFS(context.Background(), s, 1, TraversalConfig{MaxDepth: 2})
	if err != nil {
		t.Fatalf("bfs: %v", err)
	}
	// Depth 1: {2}; depth 2: {3, 5}. The source itself is never yielded.
	if len(results) != 3 {
		t.Fatalf("want 3 results, got %d: %+v", len(results), results)
	}
	if results[0].TargetID != 2 || results[0].Depth != 1 {
		t.Errorf("first result should be node 2 at depth 1, got %+v", results[0])
	}
	for _, r := range results {
		if r.TargetID == 1 {
			t.Error("source yielded by traversal")
		}
	}

	t.Run("RelTypeFilter", func(t *testing.T) {
		results, err := BFS(context.Background(), s, 1, TraversalConfig{MaxDepth: 3, RelTypes: []string{"REL"}})
		if err != nil {
			t.Fatalf("bfs: %v", err)
		}
		for _, r := range results {
			if r.TargetID == 5 {
				t.Error("SIDE edge crossed despite REL filter")
			}
		}
	})

	t.Run("CycleSafety", func(t *testing.T) {
		results, err := BFS(context.Background(), s, 1, TraversalConfig{MaxDepth: 10})
		if err != nil {
			t.Fatalf("bfs: %v", err)
		}
		seen := make(map[uint64]int)
		for _, r := range results {
			seen[r.TargetID]++
		}
		for id, n := range seen {
			if n > 1 {
				t.Errorf("node %d yielded %d times", id, n)
			}
		}
	})

	t.Run("Limit", func(t *testing.T) {
		results, err := BFS(context.Background(), s, 1, TraversalConfig{MaxDepth: 10, Limit: 2})
		if err != nil {
			t.Fatalf("bfs: %v", err)
		}
		if len(results) != 2 {
			t.Errorf("limit 2: got %d", len(results))
		}
	})

	t.Run("PathTracking", func(t *testing.T) {
		results, err := BFS(context.Background(), s, 1, TraversalConfig{MaxDepth: 3, RelTypes: []string{"REL"}})
		if err != nil {
			t.Fatalf("bfs: %v", err)
		}
		for _, r := range results {
			if r.TargetID == 4 {
				want := []uint64{2, 3, 4}
				if len(r.Path) != len(want) {
					t.Fatalf("path to 4: want %v, got %v", want, r.Path)
				}
				for i := range want {
					if r.Path[i] != want[i] {
						t.Fatalf("path to 4: want %v, got %v", want, r.Path)
					}
				}
			}
		}
	})
}

func TestMaxNodesVisitedGuardrail(t *testing.T) {
	s := chainStore(t)
	_, err := BFS(context.Background(), s, 1, TraversalConfig{MaxDepth: 10, MaxNodesVisited: 2})
	if err == nil {
		t.Fatal("expected cardinality guardrail error")
	}
}

func TestDFSVisitsAll(t *testing.T) {
	s := chainStore(t)
	results, err := DFS(context.Background(), s, 1, TraversalConfig{MaxDepth: 10})
	if err != nil {
		t.Fatalf("dfs: %v", err)
	}
	seen := make(map[uint64]bool)
	for _, r := range results {
		seen[r.TargetID] = true
	}
	for _, id := range []uint64{2, 3, 4, 5} {
		if !seen[id] {
			t.Errorf("dfs missed node %d", id)
		}
	}
}

func TestBFSStream(t *testing.T) {
	s := chainStore(t)
	out, errc := BFSStream(context.Background(), s, 1, TraversalConfig{MaxDepth: 2})

	var results []TraversalResult
	for r := range out {
		results = append(results, r)
	}
	if err := <-errc; err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("want 3 streamed results, got %d", len(results))
	}
	if results[0].TargetID != 2 {
		t.Errorf("stream order: first should be 2, got %d", results[0].TargetID)
	}
}

func TestTraversalDeadline(t *testing.T) {
	s := chainStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := BFS(ctx, s, 1, TraversalConfig{MaxDepth: 5}); err == nil {
		t.Fatal("expected deadline error on cancelled context")
	}
}
