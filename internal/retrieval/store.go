package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kalambet/attache/internal/storage"
)

// Chunk is one stored unit of grounding text.
type Chunk struct {
	ID        string
	Owner     string
	Source    string
	Content   string
	Embedding []float32
	CreatedAt time.Time
}

// ChunkStore persists chunks in the content_chunks table.
type ChunkStore struct {
	db *sql.DB
}

// NewChunkStore wraps db. The table must already exist (storage migrations).
func NewChunkStore(db *sql.DB) *ChunkStore {
	return &ChunkStore{db: db}
}

func (s *ChunkStore) Insert(ctx context.Context, c Chunk) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_chunks (id, owner, source, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Owner, c.Source, c.Content, encodeFloat32s(c.Embedding), storage.FormatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
	}
	return nil
}

// Count returns the number of chunks the owner has.
func (s *ChunkStore) Count(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_chunks WHERE owner = ?`, owner).Scan(&n)
	return n, err
}

// Scan calls fn for each of the owner's chunks, restricted to sources when
// non-empty. Content is not loaded; the embedding buffer is reused between
// calls and must not be retained.
func (s *ChunkStore) Scan(ctx context.Context, owner string, sources []string, fn func(id string, embedding []float32, createdAt time.Time)) error {
	query := `SELECT id, embedding, created_at FROM content_chunks WHERE owner = ?`
	args := []any{owner}
	if len(sources) > 0 {
		query += ` AND source IN (?` + strings.Repeat(",?", len(sources)-1) + `)`
		for _, src := range sources {
			args = append(args, src)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var buf []float32
	for rows.Next() {
		var id, createdAt string
		var blob []byte
		if err := rows.Scan(&id, &blob, &createdAt); err != nil {
			return fmt.Errorf("scanning chunk: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		ts, err := storage.ParseTime(createdAt)
		if err != nil {
			return err
		}
		fn(id, buf, ts)
	}
	return rows.Err()
}

// GetByIDs returns the owner's chunks with the given ids, embeddings omitted.
func (s *ChunkStore) GetByIDs(ctx context.Context, owner string, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{owner}
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, source, content, created_at FROM content_chunks
		WHERE owner = ? AND id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks by id: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		var createdAt string
		if err := rows.Scan(&c.ID, &c.Owner, &c.Source, &c.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if c.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, growing it if needed.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of v.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine returns the cosine similarity of a and b given a's precomputed norm.
// Mismatched lengths and zero vectors score 0.
func cosine(a, b []float32, aNorm float64) float32 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot, bSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bSq += float64(b[i]) * float64(b[i])
	}
	if bSq == 0 {
		return 0
	}
	return float32(dot / (aNorm * math.Sqrt(bSq)))
}
