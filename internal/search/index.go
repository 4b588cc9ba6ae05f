// Package search provides optional full-text search over projected rows,
// using Bleve exactly as the teacher's whole-entry index did
// (internal/search/index.go). Documents here key on (table, row id)
// rather than a single entry UUID, and are rebuilt from a row's current
// projected columns rather than indexed once at creation time, since any
// column write can change what's searchable about a row (spec §4.3). Only
// active when config.Config.EnableSearch is set (spec §8 Non-goals: search
// is an auxiliary index, never a replication or durability concern).
package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blevesearch/bleve/v2"

	"github.com/evolu-go/evolu/internal/crdtmsg"
	"github.com/evolu-go/evolu/internal/storage"
)

// Index wraps a Bleve index over projected application rows.
type Index struct {
	index bleve.Index
	path  string
}

// Document is what's actually indexed: a row's searchable text, flattened
// from every string-valued column, plus its table for filtering.
type Document struct {
	Table   string `json:"table"`
	RowID   string `json:"row_id"`
	Content string `json:"content"`
}

func docID(table string, id crdtmsg.RowID) string {
	return table + ":" + fmt.Sprintf("%x", id[:])
}

// NewIndex creates or opens a Bleve index under dataDir.
func NewIndex(dataDir string) (*Index, error) {
	indexPath := filepath.Join(dataDir, "search.bleve")

	idx, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		mapping := bleve.NewIndexMapping()

		docMapping := bleve.NewDocumentMapping()
		contentField := bleve.NewTextFieldMapping()
		contentField.Analyzer = "standard"
		docMapping.AddFieldMappingsAt("content", contentField)

		tableField := bleve.NewTextFieldMapping()
		tableField.Analyzer = "keyword"
		docMapping.AddFieldMappingsAt("table", tableField)

		mapping.AddDocumentMapping("row", docMapping)

		idx, err = bleve.New(indexPath, mapping)
		if err != nil {
			return nil, fmt.Errorf("search: create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("search: open index: %w", err)
	}

	return &Index{index: idx, path: indexPath}, nil
}

// NewMemoryIndex creates an ephemeral, non-persisted index — handy for
// tests and for apps that never set a data directory.
func NewMemoryIndex() (*Index, error) {
	mapping := bleve.NewIndexMapping()
	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("search: create memory index: %w", err)
	}
	return &Index{index: idx}, nil
}

// IndexRow (re)indexes the full current projection of one row. Callers
// normally don't call this directly — Attach wires it to every commit.
func (i *Index) IndexRow(table string, id crdtmsg.RowID, row storage.Row) error {
	var parts []string
	for _, v := range row {
		if s, ok := v.(string); ok {
			parts = append(parts, s)
		}
	}
	doc := Document{
		Table:   table,
		RowID:   fmt.Sprintf("%x", id[:]),
		Content: strings.Join(parts, " "),
	}
	return i.index.Index(docID(table, id), doc)
}

// DeleteRow removes a row from the index.
func (i *Index) DeleteRow(table string, id crdtmsg.RowID) error {
	return i.index.Delete(docID(table, id))
}

// SearchOptions configures a search query.
type SearchOptions struct {
	Table string // restrict to one table; empty searches every table
	Limit int    // max results (default 50)
}

// SearchResult identifies a matching row.
type SearchResult struct {
	Table string
	RowID crdtmsg.RowID
	Score float64
}

// Search performs a full-text query over indexed content.
func (i *Index) Search(query string, opts SearchOptions) ([]SearchResult, error) {
	contentQuery := bleve.NewMatchQuery(query)
	contentQuery.SetField("content")

	var q = bleve.Query(contentQuery)
	if opts.Table != "" {
		tableQuery := bleve.NewMatchQuery(opts.Table)
		tableQuery.SetField("table")
		q = bleve.NewConjunctionQuery(contentQuery, tableQuery)
	}

	searchReq := bleve.NewSearchRequest(q)
	searchReq.Size = opts.Limit
	if searchReq.Size <= 0 {
		searchReq.Size = 50
	}
	searchReq.Fields = []string{"table", "row_id"}

	searchRes, err := i.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("search: query failed: %w", err)
	}

	results := make([]SearchResult, 0, len(searchRes.Hits))
	for _, hit := range searchRes.Hits {
		table, _ := hit.Fields["table"].(string)
		rowIDHex, _ := hit.Fields["row_id"].(string)
		id, err := decodeHexRowID(rowIDHex)
		if err != nil {
			continue
		}
		results = append(results, SearchResult{Table: table, RowID: id, Score: hit.Score})
	}

	return results, nil
}

func decodeHexRowID(s string) (crdtmsg.RowID, error) {
	var id crdtmsg.RowID
	if len(s) != len(id)*2 {
		return id, fmt.Errorf("search: unexpected row id length %d", len(s))
	}
	for i := range id {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return id, err
		}
		id[i] = b
	}
	return id, nil
}

// Attach subscribes to store so every committed change re-indexes its row.
// Only tables named in watchTables are indexed; when GetRow returns an
// error for the changed row, the row is removed from the index instead.
// GetRow does not check a row's deleted flag. The returned func detaches
// the subscription.
func (i *Index) Attach(store storage.Store, watchTables ...string) func() {
	watched := make(map[string]bool, len(watchTables))
	for _, t := range watchTables {
		watched[t] = true
	}

	return store.Subscribe(func(change crdtmsg.DbChange) {
		if !watched[change.Table] {
			return
		}
		row, err := store.GetRow(context.Background(), change.Table, change.ID)
		if err != nil {
			_ = i.DeleteRow(change.Table, change.ID)
			return
		}
		_ = i.IndexRow(change.Table, change.ID, row)
	})
}

// Close closes the index.
func (i *Index) Close() error {
	return i.index.Close()
}

// Delete closes the index and removes it from disk (a no-op path for
// in-memory indexes).
func (i *Index) Delete() error {
	i.index.Close()
	if i.path != "" {
		return os.RemoveAll(i.path)
	}
	return nil
}
