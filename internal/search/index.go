package search

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
)

const defaultLimit = 50

// Index wraps a Bleve index over document metadata.
type Index struct {
	index bleve.Index
}

// Entry is the indexed projection of a document.
type Entry struct {
	ID        string
	Creator   string
	Title     string
	Abstract  string
	UpdatedAt time.Time
}

// Hit is one search result.
type Hit struct {
	ID        string              `json:"id"`
	Creator   string              `json:"creator"`
	Title     string              `json:"title"`
	Score     float64             `json:"score"`
	Fragments map[string][]string `json:"fragments,omitempty"`
}

// Open opens or creates the index at path. An empty path keeps the index in memory.
func Open(path string) (*Index, error) {
	if strings.TrimSpace(path) == "" {
		idx, err := bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create memory index: %w", err)
		}
		return &Index{index: idx}, nil
	}

	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return &Index{index: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	titleFieldMapping := bleve.NewTextFieldMapping()
	titleFieldMapping.Analyzer = "en"

	keywordFieldMapping := bleve.NewKeywordFieldMapping()

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("ID", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("Creator", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("Title", titleFieldMapping)
	docMapping.AddFieldMappingsAt("Abstract", bleve.NewTextFieldMapping())
	docMapping.AddFieldMappingsAt("UpdatedAt", bleve.NewDateTimeFieldMapping())

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("_default", docMapping)
	return indexMapping
}

// Close closes the index.
func (i *Index) Close() error {
	return i.index.Close()
}

// IndexDocument adds or replaces an entry.
func (i *Index) IndexDocument(entry Entry) error {
	if err := i.index.Index(entry.ID, entry); err != nil {
		return fmt.Errorf("index %s: %w", entry.ID, err)
	}
	return nil
}

// Delete removes an entry. Unknown ids are ignored.
func (i *Index) Delete(id string) error {
	if err := i.index.Delete(id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// Rebuild indexes every entry in one batch.
func (i *Index) Rebuild(entries []Entry) error {
	batch := i.index.NewBatch()
	for _, entry := range entries {
		if err := batch.Index(entry.ID, entry); err != nil {
			return fmt.Errorf("batch index %s: %w", entry.ID, err)
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Search runs a query string query and returns at most limit hits.
func (i *Index) Search(queryStr string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	query := bleve.NewQueryStringQuery(queryStr)
	request := bleve.NewSearchRequestOptions(query, limit, 0, false)
	request.Highlight = bleve.NewHighlight()
	request.Fields = []string{"Title", "Creator"}

	results, err := i.index.Search(request)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	hits := make([]Hit, 0, len(results.Hits))
	for _, match := range results.Hits {
		hit := Hit{ID: match.ID, Score: match.Score, Fragments: match.Fragments}
		if title, ok := match.Fields["Title"].(string); ok {
			hit.Title = title
		}
		if creator, ok := match.Fields["Creator"].(string); ok {
			hit.Creator = creator
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Count returns the number of indexed entries.
func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}
