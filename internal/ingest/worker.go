// Package ingest queues content for the retrieval index and processes the
// queue in the background: extract text, chunk it, index each chunk.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/attache/internal/storage"
)

// JobType is the queue type for ingest jobs.
const JobType = "ingest"

const (
	maxFetchBytes   = 10 << 20
	maxParallelIdx  = 4
	defaultPollWait = 500 * time.Millisecond
)

// Enqueuer is the write side of the job queue.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// JobStore abstracts the job queue operations.
type JobStore interface {
	Enqueuer
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Indexer stores one chunk for owner; *retrieval.Index implements it.
type Indexer interface {
	Index(ctx context.Context, owner, content, source string) (string, error)
}

// Observer receives job outcomes; metrics.Metrics implements it.
type Observer interface {
	ObserveIngest(jobType string, err error)
}

// Request is one piece of content to ingest. Exactly one of Text, URL or
// Data is set.
type Request struct {
	Source      string `json:"source"`
	Text        string `json:"text,omitempty"`
	URL         string `json:"url,omitempty"`
	Data        []byte `json:"data,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

func (r Request) validate() error {
	n := 0
	for _, set := range []bool{strings.TrimSpace(r.Text) != "", r.URL != "", len(r.Data) > 0} {
		if set {
			n++
		}
	}
	if n != 1 {
		return errors.New("exactly one of text, url or data is required")
	}
	if r.URL != "" && !strings.HasPrefix(r.URL, "http://") && !strings.HasPrefix(r.URL, "https://") {
		return fmt.Errorf("unsupported url %q", r.URL)
	}
	return nil
}

// Enqueue validates req and queues it for owner, returning the job id.
func Enqueue(ctx context.Context, store Enqueuer, owner string, req Request) (string, error) {
	if owner == "" {
		return "", errors.New("owner is required")
	}
	if err := req.validate(); err != nil {
		return "", err
	}
	if req.Source == "" {
		req.Source = "manual"
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding ingest request: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Owner:       owner,
		Type:        JobType,
		PayloadJSON: string(payload),
	}
	if err := store.EnqueueJob(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Worker processes ingest jobs from the SQLite job queue.
type Worker struct {
	store      JobStore
	index      Indexer
	httpClient *http.Client
	poll       time.Duration
	chunkSize  int
	overlap    int
	observer   Observer
	logger     *slog.Logger
}

type WorkerOption func(*Worker)

func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.poll = d
		}
	}
}

func WithChunking(size, overlap int) WorkerOption {
	return func(w *Worker) { w.chunkSize, w.overlap = size, overlap }
}

func WithHTTPClient(c *http.Client) WorkerOption {
	return func(w *Worker) { w.httpClient = c }
}

func WithObserver(o Observer) WorkerOption {
	return func(w *Worker) { w.observer = o }
}

func NewWorker(store JobStore, index Indexer, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:      store,
		index:      index,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		poll:       defaultPollWait,
		chunkSize:  DefaultChunkSize,
		overlap:    DefaultChunkOverlap,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("ingest worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single ingest job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	n, err := w.processJob(ctx, job)
	if w.observer != nil {
		w.observer.ObserveIngest(job.Type, err)
	}
	if err != nil {
		w.logger.Warn("ingest job failed", "job_id", job.ID, "owner", job.Owner, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.logger.Info("ingest job completed", "job_id", job.ID, "owner", job.Owner, "chunks", n)
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) (int, error) {
	var req Request
	if err := json.Unmarshal([]byte(job.PayloadJSON), &req); err != nil {
		return 0, fmt.Errorf("parsing payload: %w", err)
	}

	text, err := w.text(ctx, req)
	if err != nil {
		return 0, err
	}
	chunks := Chunk(text, w.chunkSize, w.overlap)
	if len(chunks) == 0 {
		return 0, errors.New("no text content")
	}

	var g errgroup.Group
	g.SetLimit(maxParallelIdx)
	for i, c := range chunks {
		g.Go(func() error {
			if _, err := w.index.Index(ctx, job.Owner, c, req.Source); err != nil {
				return fmt.Errorf("indexing chunk %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

func (w *Worker) text(ctx context.Context, req Request) (string, error) {
	switch {
	case strings.TrimSpace(req.Text) != "":
		return normalizeSpace(req.Text), nil
	case len(req.Data) > 0:
		return Extract(req.ContentType, req.Data)
	case req.URL != "":
		data, contentType, err := w.fetch(ctx, req.URL)
		if err != nil {
			return "", err
		}
		return Extract(contentType, data)
	}
	return "", errors.New("empty ingest request")
}

func (w *Worker) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building request: %w", err)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", url, err)
	}
	if len(data) > maxFetchBytes {
		return nil, "", fmt.Errorf("%s exceeds %d bytes", url, maxFetchBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
