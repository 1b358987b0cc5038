// Package search provides the full-text relevance index backing memory
// retrieval and session-entry lookup. It is a thin layer over a SQLite
// FTS5 virtual table, ranked with BM25, with an optional self-contained
// cosine-similarity MMR rerank pass — no external vector database.
package search

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Index wraps the FTS5 virtual table. It shares the same underlying SQLite
// connection as internal/store so there is a single database file.
type Index struct {
	conn *sql.DB
}

// Document is one indexed unit: a memory entry, a scratch agent-data value,
// or a flattened session-entry text extract.
type Document struct {
	ID    string
	Text  string
	Title string
	Tags  []string
}

// Result is a ranked search hit.
type Result struct {
	Document
	Score float64
}

// Open attaches the FTS5 virtual table (and its tag shadow table) to conn,
// creating them if absent. Tags live in a normal indexed table rather than
// an FTS5 column: FTS5 has no efficient set-membership predicate for a
// repeated column, so the OR tag-filter is a join against search_tags
// instead of a MATCH/LIKE scan over a packed tags string.
func Open(conn *sql.DB) (*Index, error) {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS search_documents USING fts5(
			id UNINDEXED, text, title, tags UNINDEXED
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("create fts5 table: %w", err)
	}

	_, err = conn.Exec(`
		CREATE TABLE IF NOT EXISTS search_tags (
			doc_id TEXT NOT NULL,
			tag TEXT NOT NULL,
			PRIMARY KEY (doc_id, tag)
		);
		CREATE INDEX IF NOT EXISTS idx_search_tags_tag ON search_tags(tag);
	`)
	if err != nil {
		return nil, fmt.Errorf("create search_tags table: %w", err)
	}

	return &Index{conn: conn}, nil
}

// Load indexes or re-indexes a document under id. Namespace convention
// (enforced by callers, not this package): "memory:<hash>", "agent_data:<key>",
// "session:<session_id>:<entry_id>".
func (idx *Index) Load(ctx context.Context, id, text, title string, tags []string) error {
	return withTx(ctx, idx.conn, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM search_documents WHERE id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM search_tags WHERE doc_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO search_documents (id, text, title, tags) VALUES (?, ?, ?, ?)
		`, id, text, title, strings.Join(tags, " ")); err != nil {
			return err
		}
		for _, t := range tags {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO search_tags (doc_id, tag) VALUES (?, ?)`, id, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes a document and its tags by id. A miss is not an error.
func (idx *Index) Delete(ctx context.Context, id string) error {
	return withTx(ctx, idx.conn, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM search_documents WHERE id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM search_tags WHERE doc_id = ?`, id)
		return err
	})
}

// Search runs a BM25-ranked FTS5 query, optionally filtered to documents
// carrying at least one of tags (OR semantics, via a join against
// search_tags), optionally followed by an MMR diversity rerank pass.
// limit <= 0 defaults to 10.
func (idx *Index) Search(ctx context.Context, query string, tags []string, limit int, mmr bool) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	// Over-fetch when reranking so MMR has a real candidate pool to pick from.
	fetchLimit := limit
	if mmr {
		fetchLimit = limit * 4
	}

	var sqlQuery string
	args := []interface{}{ftsQuery(query)}

	if len(tags) > 0 {
		placeholders := make([]string, len(tags))
		for i, t := range tags {
			placeholders[i] = "?"
			args = append(args, t)
		}
		sqlQuery = `
			SELECT d.id, d.text, d.title, d.tags, bm25(search_documents) AS rank
			FROM search_documents d
			JOIN (SELECT DISTINCT doc_id FROM search_tags WHERE tag IN (` + strings.Join(placeholders, ",") + `)) t
				ON t.doc_id = d.id
			WHERE d MATCH ?
		`
		// Placeholders bind in text order: the tag IN (...) list comes before
		// d MATCH ?, so move the query arg behind the tag args.
		args = append(args[1:], args[0])
	} else {
		sqlQuery = `
			SELECT id, text, title, tags, bm25(search_documents) AS rank
			FROM search_documents
			WHERE search_documents MATCH ?
		`
	}

	sqlQuery += " ORDER BY rank LIMIT ?"
	args = append(args, fetchLimit)

	rows, err := idx.conn.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("fts5 search: %w", err)
	}
	defer rows.Close()

	var candidates []Result
	for rows.Next() {
		var r Result
		var tagsJoined string
		var rank float64
		if err := rows.Scan(&r.ID, &r.Text, &r.Title, &tagsJoined, &rank); err != nil {
			return nil, err
		}
		if tagsJoined != "" {
			r.Tags = strings.Fields(tagsJoined)
		}
		// bm25() in SQLite returns lower-is-better; invert to a positive
		// relevance score so higher is consistently "more relevant".
		r.Score = -rank
		candidates = append(candidates, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if !mmr || len(candidates) <= limit {
		if len(candidates) > limit {
			candidates = candidates[:limit]
		}
		return candidates, nil
	}

	return mmrRerank(candidates, limit, 0.5), nil
}

// ftsQuery quotes the user query as an FTS5 phrase-ish query, tolerating
// punctuation that would otherwise be parsed as FTS5 query syntax.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return `""`
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// mmrRerank performs greedy Maximal Marginal Relevance selection over a
// bag-of-words cosine similarity model, trading off relevance (rank score)
// against diversity (dissimilarity to already-selected results).
func mmrRerank(candidates []Result, limit int, lambda float64) []Result {
	vecs := make([]map[string]float64, len(candidates))
	for i, c := range candidates {
		vecs[i] = bagOfWords(c.Text + " " + c.Title)
	}

	selected := make([]int, 0, limit)
	remaining := make(map[int]bool, len(candidates))
	for i := range candidates {
		remaining[i] = true
	}

	maxScore := 0.0
	for _, c := range candidates {
		if c.Score > maxScore {
			maxScore = c.Score
		}
	}
	if maxScore == 0 {
		maxScore = 1
	}

	for len(selected) < limit && len(remaining) > 0 {
		bestIdx := -1
		bestVal := math.Inf(-1)

		for i := range remaining {
			relevance := candidates[i].Score / maxScore
			maxSim := 0.0
			for _, s := range selected {
				sim := cosineSim(vecs[i], vecs[s])
				if sim > maxSim {
					maxSim = sim
				}
			}
			val := lambda*relevance - (1-lambda)*maxSim
			if val > bestVal {
				bestVal = val
				bestIdx = i
			}
		}

		selected = append(selected, bestIdx)
		delete(remaining, bestIdx)
	}

	out := make([]Result, len(selected))
	for i, idx := range selected {
		out[i] = candidates[idx]
	}
	return out
}

func bagOfWords(text string) map[string]float64 {
	words := strings.Fields(strings.ToLower(text))
	bag := make(map[string]float64, len(words))
	for _, w := range words {
		bag[w]++
	}
	return bag
}

func cosineSim(a, b map[string]float64) float64 {
	var dot, normA, normB float64
	for k, v := range a {
		dot += v * b[k]
		normA += v * v
	}
	for _, v := range b {
		normB += v * v
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SortByScoreDesc is a small helper kept for callers outside this package
// that need to re-sort a Result slice after merging multiple Search calls.
func SortByScoreDesc(results []Result) {
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
}

func withTx(ctx context.Context, conn *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
