// Package retrieval stores owner-scoped content chunks with embeddings and
// answers similarity queries used to ground model calls.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTopK          = 3
	DefaultMinSimilarity = 0.7
	DefaultANNThreshold  = 2000
)

// Hit is one ranked retrieval result.
type Hit struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Source     string    `json:"source"`
	Similarity float32   `json:"similarity"`
	CreatedAt  time.Time `json:"created_at"`
}

// QueryOptions narrows a query. Zero K means DefaultTopK.
type QueryOptions struct {
	K             int
	Sources       []string
	MinSimilarity float32
}

// Observer receives query latency; metrics.Metrics implements it.
type Observer interface {
	ObserveRetrieval(mode string, d time.Duration, err error)
}

// Index is the retrieval subsystem: it embeds and stores chunks and ranks
// them against queries. Owners with at most annThreshold chunks are ranked
// by exact linear scan; larger owners go through a per-owner HNSW graph
// built lazily from the store.
type Index struct {
	embedder     Embedder
	store        *ChunkStore
	annThreshold int
	observer     Observer

	mu       sync.Mutex
	graphs   map[string]*graph
	building map[string]*graphBuild
}

// graphBuild tracks an owner's graph while it is loaded from the store.
// Chunks indexed meanwhile are queued and replayed before the graph is
// published, since the scan may already have passed them.
type graphBuild struct {
	done    chan struct{}
	pending []Chunk
	g       *graph
	err     error
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithANNThreshold sets the per-owner chunk count above which the graph is used.
func WithANNThreshold(n int) IndexOption {
	return func(ix *Index) { ix.annThreshold = n }
}

// WithObserver reports query latency to o.
func WithObserver(o Observer) IndexOption {
	return func(ix *Index) { ix.observer = o }
}

func NewIndex(embedder Embedder, store *ChunkStore, opts ...IndexOption) *Index {
	ix := &Index{
		embedder:     embedder,
		store:        store,
		annThreshold: DefaultANNThreshold,
		graphs:       make(map[string]*graph),
		building:     make(map[string]*graphBuild),
	}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

// Index embeds content and stores it for owner under source, returning the chunk id.
func (ix *Index) Index(ctx context.Context, owner, content, source string) (string, error) {
	if owner == "" {
		return "", errors.New("owner is required")
	}
	if strings.TrimSpace(content) == "" {
		return "", errors.New("content is empty")
	}
	if source == "" {
		source = "doc"
	}

	vec, err := ix.embedder.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("embedding chunk: %w", err)
	}

	c := Chunk{
		ID:        uuid.New().String(),
		Owner:     owner,
		Source:    source,
		Content:   content,
		Embedding: vec,
		CreatedAt: time.Now().UTC(),
	}
	if err := ix.store.Insert(ctx, c); err != nil {
		return "", err
	}

	ix.mu.Lock()
	g := ix.graphs[owner]
	if b := ix.building[owner]; g == nil && b != nil {
		b.pending = append(b.pending, c)
	}
	ix.mu.Unlock()
	if g != nil {
		g.Insert(c.ID, vec)
	}
	return c.ID, nil
}

// Query embeds text and returns up to K of the owner's chunks with
// similarity >= MinSimilarity, most similar first; equal similarities put
// the most recent chunk first. An embedding failure fails the query.
func (ix *Index) Query(ctx context.Context, owner, text string, opts QueryOptions) (hits []Hit, err error) {
	if opts.K <= 0 {
		opts.K = DefaultTopK
	}

	start := time.Now()
	mode := "linear"
	defer func() {
		if ix.observer != nil {
			ix.observer.ObserveRetrieval(mode, time.Since(start), err)
		}
	}()

	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	count, err := ix.store.Count(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("counting chunks: %w", err)
	}
	if count == 0 {
		return nil, nil
	}

	var candidates []scoredID
	if count <= ix.annThreshold {
		candidates, err = ix.linearScan(ctx, owner, vec, opts)
	} else {
		mode = "ann"
		candidates, err = ix.graphSearch(ctx, owner, vec, opts)
	}
	if err != nil {
		return nil, err
	}
	return ix.resolve(ctx, owner, candidates, opts)
}

func (ix *Index) linearScan(ctx context.Context, owner string, vec []float32, opts QueryOptions) ([]scoredID, error) {
	qNorm := norm(vec)
	var above []Hit
	err := ix.store.Scan(ctx, owner, opts.Sources, func(id string, emb []float32, createdAt time.Time) {
		if s := cosine(vec, emb, qNorm); s >= opts.MinSimilarity {
			above = append(above, Hit{ID: id, Similarity: s, CreatedAt: createdAt})
		}
	})
	if err != nil {
		return nil, err
	}
	sortHits(above)
	if len(above) > opts.K {
		above = above[:opts.K]
	}
	out := make([]scoredID, len(above))
	for i, h := range above {
		out[i] = scoredID{ID: h.ID, Score: h.Similarity}
	}
	return out, nil
}

// graphSearch over-fetches so that source filtering and the threshold still
// leave K results in the common case.
func (ix *Index) graphSearch(ctx context.Context, owner string, vec []float32, opts QueryOptions) ([]scoredID, error) {
	g, err := ix.ownerGraph(ctx, owner)
	if err != nil {
		return nil, err
	}
	fetch := opts.K * 4
	if len(opts.Sources) > 0 {
		fetch = opts.K * 16
	}
	var out []scoredID
	for _, c := range g.Search(vec, max(fetch, 32)) {
		if c.Score >= opts.MinSimilarity {
			out = append(out, c)
		}
	}
	return out, nil
}

// ownerGraph returns the owner's graph, building it on first use. Concurrent
// callers share one build.
func (ix *Index) ownerGraph(ctx context.Context, owner string) (*graph, error) {
	ix.mu.Lock()
	if g := ix.graphs[owner]; g != nil {
		ix.mu.Unlock()
		return g, nil
	}
	if b := ix.building[owner]; b != nil {
		ix.mu.Unlock()
		select {
		case <-b.done:
			return b.g, b.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b := &graphBuild{done: make(chan struct{})}
	ix.building[owner] = b
	ix.mu.Unlock()

	h := fnv.New64a()
	h.Write([]byte(owner))
	g := newGraph(graphConfig{}, h.Sum64())
	err := ix.store.Scan(ctx, owner, nil, func(id string, emb []float32, _ time.Time) {
		g.Insert(id, emb)
	})

	ix.mu.Lock()
	delete(ix.building, owner)
	if err != nil {
		b.err = fmt.Errorf("building graph for %s: %w", owner, err)
	} else {
		for _, c := range b.pending {
			g.Insert(c.ID, c.Embedding)
		}
		ix.graphs[owner] = g
		b.g = g
	}
	b.pending = nil
	ix.mu.Unlock()
	close(b.done)

	if b.err != nil {
		return nil, b.err
	}
	slog.Info("built retrieval graph", "owner", owner, "chunks", g.Len())
	return g, nil
}

// resolve loads candidate chunks, applies the source filter, orders them and
// trims to K.
func (ix *Index) resolve(ctx context.Context, owner string, candidates []scoredID, opts QueryOptions) ([]Hit, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	scores := make(map[string]float32, len(candidates))
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
		scores[c.ID] = c.Score
	}

	chunks, err := ix.store.GetByIDs(ctx, owner, ids)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(opts.Sources))
	for _, s := range opts.Sources {
		allowed[s] = true
	}

	hits := make([]Hit, 0, len(chunks))
	for _, c := range chunks {
		if len(allowed) > 0 && !allowed[c.Source] {
			continue
		}
		hits = append(hits, Hit{ID: c.ID, Content: c.Content, Source: c.Source, Similarity: scores[c.ID], CreatedAt: c.CreatedAt})
	}
	sortHits(hits)
	if len(hits) > opts.K {
		hits = hits[:opts.K]
	}
	return hits, nil
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].ID < hits[j].ID
	})
}
