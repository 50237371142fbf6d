package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/docsearch/internal/cache"
	"github.com/spherical-ai/docsearch/internal/observability"
	"github.com/spherical-ai/docsearch/internal/storage"
)

// ErrEmptyQuery is returned for a query without any words.
var ErrEmptyQuery = errors.New("query is required")

// Options configures an Engine.
type Options struct {
	DefaultLimit   int
	MaxLimit       int
	SnippetRadius  int
	FallbackLength int
	CacheTTL       time.Duration // zero disables result caching
}

// Query is one search request. Page is 1-based.
type Query struct {
	Text  string
	Page  int
	Limit int
}

// Result is one matching page.
type Result struct {
	DocumentID   uuid.UUID `json:"documentId"`
	DocumentName string    `json:"documentName"`
	PageID       uuid.UUID `json:"pageId"`
	PageNumber   int       `json:"pageNumber"`
	Snippet      string    `json:"snippet"`
	Confidence   float64   `json:"confidence"`
	Score        float64   `json:"score"`
}

// Pagination describes the slice of results returned.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// Response is the answer to a Query.
type Response struct {
	Results    []Result   `json:"results"`
	Pagination Pagination `json:"pagination"`
	Query      string     `json:"query"`
}

// Engine ranks, paginates and highlights matches from an Index. It
// implements the pipeline's indexer hooks.
type Engine struct {
	mu         sync.RWMutex
	index      *Index
	rebuilding bool
	journal    []func(*Index) // changes applied while a rebuild is in flight

	rebuildMu sync.Mutex
	instance  string
	cache     cache.Client
	opts      Options
	logger    *observability.Logger
}

// NewEngine creates an engine over index. c may be nil.
func NewEngine(index *Index, c cache.Client, opts Options, logger *observability.Logger) *Engine {
	if index == nil {
		index = NewIndex()
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 10
	}
	if opts.MaxLimit < opts.DefaultLimit {
		opts.MaxLimit = max(100, opts.DefaultLimit)
	}
	if opts.SnippetRadius <= 0 {
		opts.SnippetRadius = 100
	}
	if opts.FallbackLength <= 0 {
		opts.FallbackLength = 200
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Engine{
		index:    index,
		instance: uuid.NewString(),
		cache:    c,
		opts:     opts,
		logger:   logger.WithOperation("search"),
	}
}

// Index returns the index currently answering queries.
func (e *Engine) Index() *Index {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index
}

// IndexPage adds or refreshes a committed page.
func (e *Engine) IndexPage(doc *storage.Document, page *storage.Page) {
	e.apply(func(ix *Index) { ix.Put(doc, page) })
}

// RemoveDocument drops a document's pages from the index.
func (e *Engine) RemoveDocument(documentID uuid.UUID) {
	e.apply(func(ix *Index) { ix.RemoveDocument(documentID) })
}

func (e *Engine) apply(change func(*Index)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	change(e.index)
	if e.rebuilding {
		e.journal = append(e.journal, change)
	}
}

// Search runs q against the index.
func (e *Engine) Search(ctx context.Context, q Query) (*Response, error) {
	words := QueryWords(q.Text)
	if len(words) == 0 {
		return nil, ErrEmptyQuery
	}
	page, limit := e.normalize(q.Page, q.Limit)

	ix := e.Index()
	key := cache.SearchKey(e.instance, ix.Generation(), strings.Join(words, " "), page, limit)
	if resp, ok := e.cached(ctx, key); ok {
		resp.Query = q.Text
		return resp, nil
	}

	hits := ix.Match(Tokenize(q.Text))
	total := len(hits)

	resp := &Response{
		Results: []Result{},
		Pagination: Pagination{
			Page:  page,
			Limit: limit,
			Total: total,
			Pages: (total + limit - 1) / limit,
		},
		Query: q.Text,
	}

	start := (page - 1) * limit
	if start < total {
		end := min(total, start+limit)
		for _, h := range hits[start:end] {
			resp.Results = append(resp.Results, Result{
				DocumentID:   h.DocumentID,
				DocumentName: h.DocumentName,
				PageID:       h.PageID,
				PageNumber:   h.PageNumber,
				Snippet:      Snippet(h.Text, words, e.opts.SnippetRadius, e.opts.FallbackLength),
				Confidence:   h.Confidence,
				Score:        h.Score,
			})
		}
	}

	e.store(ctx, key, resp)
	e.logger.Debug().
		Str("query", q.Text).
		Int("total", total).
		Int("page", page).
		Msg("Search executed")
	return resp, nil
}

func (e *Engine) normalize(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = e.opts.DefaultLimit
	}
	if limit > e.opts.MaxLimit {
		limit = e.opts.MaxLimit
	}
	return page, limit
}

func (e *Engine) cached(ctx context.Context, key string) (*Response, bool) {
	if e.cache == nil || e.opts.CacheTTL <= 0 {
		return nil, false
	}
	data, err := e.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			e.logger.Warn().Err(err).Msg("Search cache read failed")
		}
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (e *Engine) store(ctx context.Context, key string, resp *Response) {
	if e.cache == nil || e.opts.CacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, key, data, e.opts.CacheTTL); err != nil {
		e.logger.Warn().Err(err).Msg("Search cache write failed")
	}
}

// PageSource lists committed pages.
type PageSource interface {
	ListCompleted(ctx context.Context) ([]*storage.Page, error)
}

// DocumentSource loads a document by ID.
type DocumentSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*storage.Document, error)
}

// Rebuild repopulates the index from storage and returns the number of
// pages indexed. Pages whose document is gone are skipped. The new index is
// built aside and swapped in; page changes made meanwhile are replayed onto
// it so none are lost.
func (e *Engine) Rebuild(ctx context.Context, pages PageSource, docs DocumentSource) (int, error) {
	e.rebuildMu.Lock()
	defer e.rebuildMu.Unlock()

	e.mu.Lock()
	e.rebuilding = true
	e.journal = nil
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.rebuilding = false
		e.journal = nil
		e.mu.Unlock()
	}()

	list, err := pages.ListCompleted(ctx)
	if err != nil {
		return 0, fmt.Errorf("list completed pages: %w", err)
	}

	fresh := NewIndex()
	names := make(map[uuid.UUID]*storage.Document)
	indexed := 0
	for _, p := range list {
		doc, ok := names[p.DocumentID]
		if !ok {
			doc, err = docs.GetByID(ctx, p.DocumentID)
			if errors.Is(err, storage.ErrNotFound) {
				doc = nil
			} else if err != nil {
				return indexed, fmt.Errorf("load document %s: %w", p.DocumentID, err)
			}
			names[p.DocumentID] = doc
		}
		if doc == nil {
			continue
		}
		fresh.Put(doc, p)
		if p.Searchable() {
			indexed++
		}
	}

	e.mu.Lock()
	for _, change := range e.journal {
		change(fresh)
	}
	// generations keep growing across swaps so cached results stay distinct
	fresh.generation += e.index.Generation() + 1
	e.index = fresh
	e.mu.Unlock()

	e.logger.Debug().Int("pages", indexed).Int("terms", fresh.Terms()).Msg("Search index rebuilt")
	return indexed, nil
}

// Refresh rebuilds the index from storage every interval until ctx is done,
// picking up pages committed by other processes sharing the database.
// Failed rebuilds are logged and retried on the next tick.
func (e *Engine) Refresh(ctx context.Context, every time.Duration, pages PageSource, docs DocumentSource) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Rebuild(ctx, pages, docs); err != nil && ctx.Err() == nil {
				e.logger.Warn().Err(err).Msg("Search index refresh failed")
			}
		}
	}
}
