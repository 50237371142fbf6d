// Package search answers ranked full-text queries over completed page text.
// Pages are held in an in-memory inverted index that the pipeline updates as
// pages commit; relevance is a smoothed TF-IDF sum over the query terms.
package search

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/spherical-ai/docsearch/internal/storage"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}\p{N}]+)*`)

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at",
		"by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that",
		"these", "those", "from", "so", "such", "into", "about", "than", "too", "very", "can", "will",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()

// Tokenize lowercases text and splits it into index terms, dropping stopwords.
func Tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, stop := stopwords[t]; stop {
			continue
		}
		out = append(out, t)
	}
	return out
}

// entry is one indexed page.
type entry struct {
	pageID       uuid.UUID
	documentID   uuid.UUID
	documentName string
	pageNumber   int
	text         string
	confidence   float64
	seq          uint64 // insertion order, kept across re-indexing
	tf           map[string]int
	total        int
}

// Hit is a page matching a query, with its relevance score.
type Hit struct {
	PageID       uuid.UUID
	DocumentID   uuid.UUID
	DocumentName string
	PageNumber   int
	Text         string
	Confidence   float64
	Score        float64
}

// Index is a concurrency-safe inverted index of page text.
type Index struct {
	mu         sync.RWMutex
	entries    map[uuid.UUID]*entry
	postings   map[string]map[uuid.UUID]struct{}
	byDocument map[uuid.UUID]map[uuid.UUID]struct{}
	nextSeq    uint64
	generation uint64
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		entries:    make(map[uuid.UUID]*entry),
		postings:   make(map[string]map[uuid.UUID]struct{}),
		byDocument: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Generation changes whenever the indexed content changes.
func (ix *Index) Generation() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.generation
}

// Len returns the number of indexed pages.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Terms returns the number of distinct terms.
func (ix *Index) Terms() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.postings)
}

// Put indexes a page, replacing any previous version of it. Pages that are
// not searchable are removed instead.
func (ix *Index) Put(doc *storage.Document, page *storage.Page) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	prev, existed := ix.entries[page.ID]
	if existed {
		ix.unlink(prev)
	}
	if !page.Searchable() {
		if existed {
			ix.generation++
		}
		return
	}

	e := &entry{
		pageID:     page.ID,
		documentID: page.DocumentID,
		pageNumber: page.PageNumber,
		text:       page.Text,
		confidence: page.Confidence,
		tf:         make(map[string]int),
	}
	if doc != nil {
		e.documentName = doc.OriginalName
	}
	if existed {
		e.seq = prev.seq
		if e.documentName == "" {
			e.documentName = prev.documentName
		}
	} else {
		ix.nextSeq++
		e.seq = ix.nextSeq
	}

	for _, tok := range Tokenize(page.Text) {
		e.tf[tok]++
		e.total++
	}
	ix.link(e)
	ix.generation++
}

// RemoveDocument drops every page of a document.
func (ix *Index) RemoveDocument(documentID uuid.UUID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	pages := ix.byDocument[documentID]
	if len(pages) == 0 {
		return
	}
	for id := range pages {
		ix.unlink(ix.entries[id])
	}
	ix.generation++
}

// Reset empties the index.
func (ix *Index) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.entries = make(map[uuid.UUID]*entry)
	ix.postings = make(map[string]map[uuid.UUID]struct{})
	ix.byDocument = make(map[uuid.UUID]map[uuid.UUID]struct{})
	ix.nextSeq = 0
	ix.generation++
}

// Match returns every page containing at least one query term, best first.
// Equal scores keep insertion order.
func (ix *Index) Match(terms []string) []Hit {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := float64(len(ix.entries))
	scores := make(map[uuid.UUID]float64)
	seen := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}

		posting := ix.postings[term]
		if len(posting) == 0 {
			continue
		}
		idf := math.Log((1+n)/(1+float64(len(posting)))) + 1.0
		for id := range posting {
			e := ix.entries[id]
			scores[id] += float64(e.tf[term]) / float64(e.total) * idf
		}
	}

	hits := make([]Hit, 0, len(scores))
	seqs := make(map[uuid.UUID]uint64, len(scores))
	for id, score := range scores {
		e := ix.entries[id]
		seqs[id] = e.seq
		hits = append(hits, Hit{
			PageID:       e.pageID,
			DocumentID:   e.documentID,
			DocumentName: e.documentName,
			PageNumber:   e.pageNumber,
			Text:         e.text,
			Confidence:   e.confidence,
			Score:        score,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return seqs[hits[i].PageID] < seqs[hits[j].PageID]
	})
	return hits
}

// link and unlink expect ix.mu held for writing.
func (ix *Index) link(e *entry) {
	ix.entries[e.pageID] = e
	for term := range e.tf {
		if ix.postings[term] == nil {
			ix.postings[term] = make(map[uuid.UUID]struct{})
		}
		ix.postings[term][e.pageID] = struct{}{}
	}
	if ix.byDocument[e.documentID] == nil {
		ix.byDocument[e.documentID] = make(map[uuid.UUID]struct{})
	}
	ix.byDocument[e.documentID][e.pageID] = struct{}{}
}

func (ix *Index) unlink(e *entry) {
	if e == nil {
		return
	}
	delete(ix.entries, e.pageID)
	for term := range e.tf {
		posting := ix.postings[term]
		delete(posting, e.pageID)
		if len(posting) == 0 {
			delete(ix.postings, term)
		}
	}
	if pages := ix.byDocument[e.documentID]; pages != nil {
		delete(pages, e.pageID)
		if len(pages) == 0 {
			delete(ix.byDocument, e.documentID)
		}
	}
}
