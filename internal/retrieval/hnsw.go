package retrieval

import (
	"container/heap"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
)

// graphConfig tunes the HNSW graph. Zero fields take defaults.
type graphConfig struct {
	M              int // max neighbours per node above layer 0; layer 0 allows 2*M
	EfConstruction int
	EfSearch       int
}

func (c *graphConfig) setDefaults() {
	if c.M < 2 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 64
	}
}

func (c *graphConfig) maxConns(layer int) int {
	if layer == 0 {
		return c.M * 2
	}
	return c.M
}

type candidate struct {
	node int
	dist float32
}

// nearHeap pops the closest candidate first.
type nearHeap []candidate

func (h nearHeap) Len() int           { return len(h) }
func (h nearHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h nearHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nearHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *nearHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// farHeap pops the farthest candidate first.
type farHeap []candidate

func (h farHeap) Len() int           { return len(h) }
func (h farHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h farHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *farHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *farHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

type graphNode struct {
	chunkID string
	vec     []float32
	norm    float64
	links   [][]int // links[layer] = neighbour node indexes
}

// graph is an append-only Hierarchical Navigable Small World index over one
// owner's chunk embeddings. Chunks are never deleted by the engine, so the
// graph supports insert and search only. Safe for concurrent use.
type graph struct {
	mu       sync.RWMutex
	cfg      graphConfig
	nodes    []*graphNode
	byChunk  map[string]int
	entry    int // -1 while empty
	topLevel int
	levelMul float64
	rng      *rand.Rand
}

func newGraph(cfg graphConfig, seed uint64) *graph {
	cfg.setDefaults()
	return &graph{
		cfg:      cfg,
		byChunk:  make(map[string]int),
		entry:    -1,
		levelMul: 1 / math.Log(float64(cfg.M)),
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (g *graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func (g *graph) distance(q []float32, qNorm float64, n *graphNode) float32 {
	if n.norm == 0 {
		return 1
	}
	return 1 - cosine(q, n.vec, qNorm)
}

// Insert adds a chunk's vector. Re-inserting a known chunk id is a no-op.
func (g *graph) Insert(chunkID string, vector []float32) {
	vec := make([]float32, len(vector))
	copy(vec, vector)

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.byChunk[chunkID]; ok {
		return
	}

	level := g.randomLevel()
	node := &graphNode{chunkID: chunkID, vec: vec, norm: norm(vec), links: make([][]int, level+1)}
	idx := len(g.nodes)
	g.nodes = append(g.nodes, node)
	g.byChunk[chunkID] = idx

	if g.entry < 0 {
		g.entry = idx
		g.topLevel = level
		return
	}

	cur := g.greedyDescend(vec, node.norm, g.entry, g.topLevel, level)

	entryPoints := []int{cur}
	for layer := min(level, g.topLevel); layer >= 0; layer-- {
		found := g.searchLayer(vec, node.norm, entryPoints, g.cfg.EfConstruction, layer)
		limit := g.cfg.maxConns(layer)
		node.links[layer] = g.closest(vec, node.norm, found, limit)

		for _, n := range node.links[layer] {
			peer := g.nodes[n]
			peer.links[layer] = append(peer.links[layer], idx)
			if len(peer.links[layer]) > limit {
				peer.links[layer] = g.closest(peer.vec, peer.norm, peer.links[layer], limit)
			}
		}
		entryPoints = found
	}

	if level > g.topLevel {
		g.entry = idx
		g.topLevel = level
	}
}

// Search returns up to k chunk ids nearest to query with their cosine
// similarity, most similar first.
func (g *graph) Search(query []float32, k int) []scoredID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.entry < 0 || k <= 0 {
		return nil
	}
	qNorm := norm(query)
	ef := max(g.cfg.EfSearch, k)

	cur := g.greedyDescend(query, qNorm, g.entry, g.topLevel, 0)
	found := g.searchLayer(query, qNorm, []int{cur}, ef, 0)

	out := make([]scoredID, 0, len(found))
	for _, n := range found {
		node := g.nodes[n]
		out = append(out, scoredID{ID: node.chunkID, Score: cosine(query, node.vec, qNorm)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// greedyDescend walks from start through layers above stopAbove, moving to
// any closer neighbour until none improves, and returns the final node.
func (g *graph) greedyDescend(q []float32, qNorm float64, start, fromLayer, stopAbove int) int {
	cur := start
	curDist := g.distance(q, qNorm, g.nodes[cur])
	for layer := fromLayer; layer > stopAbove; layer-- {
		for improved := true; improved; {
			improved = false
			node := g.nodes[cur]
			if layer >= len(node.links) {
				break
			}
			for _, n := range node.links[layer] {
				if d := g.distance(q, qNorm, g.nodes[n]); d < curDist {
					cur, curDist, improved = n, d, true
				}
			}
		}
	}
	return cur
}

// searchLayer is the HNSW beam search on one layer, returning up to ef nodes.
func (g *graph) searchLayer(q []float32, qNorm float64, entryPoints []int, ef, layer int) []int {
	visited := make(map[int]struct{}, ef*2)
	var frontier nearHeap
	var best farHeap

	for _, ep := range entryPoints {
		if _, seen := visited[ep]; seen {
			continue
		}
		visited[ep] = struct{}{}
		d := g.distance(q, qNorm, g.nodes[ep])
		heap.Push(&frontier, candidate{ep, d})
		heap.Push(&best, candidate{ep, d})
		if best.Len() > ef {
			heap.Pop(&best)
		}
	}

	for frontier.Len() > 0 {
		c := heap.Pop(&frontier).(candidate)
		if best.Len() >= ef && c.dist > best[0].dist {
			break
		}
		node := g.nodes[c.node]
		if layer >= len(node.links) {
			continue
		}
		for _, n := range node.links[layer] {
			if _, seen := visited[n]; seen {
				continue
			}
			visited[n] = struct{}{}
			d := g.distance(q, qNorm, g.nodes[n])
			if best.Len() < ef || d < best[0].dist {
				heap.Push(&frontier, candidate{n, d})
				heap.Push(&best, candidate{n, d})
				if best.Len() > ef {
					heap.Pop(&best)
				}
			}
		}
	}

	out := make([]int, best.Len())
	for i := range best {
		out[i] = best[i].node
	}
	return out
}

// closest keeps the limit nodes nearest to q.
func (g *graph) closest(q []float32, qNorm float64, nodes []int, limit int) []int {
	if len(nodes) <= limit {
		return append([]int(nil), nodes...)
	}
	ranked := make([]candidate, len(nodes))
	for i, n := range nodes {
		ranked[i] = candidate{n, g.distance(q, qNorm, g.nodes[n])}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].dist < ranked[j].dist })
	out := make([]int, limit)
	for i := range out {
		out[i] = ranked[i].node
	}
	return out
}

// randomLevel draws a layer with P(level >= l) = M^-l, capped at 31.
func (g *graph) randomLevel() int {
	r := max(g.rng.Float64(), math.SmallestNonzeroFloat64)
	return min(int(-math.Log(r)*g.levelMul), 31)
}

// scoredID pairs a chunk id with its similarity to a query.
type scoredID struct {
	ID    string
	Score float32
}
