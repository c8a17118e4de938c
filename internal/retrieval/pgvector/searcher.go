// Package pgvector searches knowledge base sections stored in PostgreSQL with
// the pgvector extension.
package pgvector

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/af-corp/aegis-assistant/internal/retrieval"
	"github.com/af-corp/aegis-assistant/internal/types"
	"github.com/jackc/pgx/v5"
)

const pageTable = "kb_page"

// Querier is the subset of *pgxpool.Pool used by the searcher.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Searcher struct {
	db    Querier
	table string
}

// New returns a searcher over the given section table. Sections reference
// their page through page_id.
func New(db Querier, table string) *Searcher {
	if table == "" {
		table = "kb_section"
	}
	return &Searcher{db: db, table: table}
}

// Search returns sections whose cosine similarity to q.Vector exceeds
// q.Threshold, nearest first. A passage's Source is the path of its page.
func (s *Searcher) Search(ctx context.Context, q retrieval.Query) ([]types.RetrievedPassage, error) {
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("query vector cannot be empty")
	}
	sql, args := buildQuery(s.table, q)

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query sections: %w", err)
	}
	defer rows.Close()

	var out []types.RetrievedPassage
	for rows.Next() {
		var p types.RetrievedPassage
		if err := rows.Scan(&p.Text, &p.Source, &p.Score); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return out, nil
}

func buildQuery(table string, q retrieval.Query) (string, []any) {
	args := []any{vectorToString(q.Vector), q.Threshold, q.MinLength}
	where := []string{
		"1 - (s.embedding <=> $1::vector) > $2",
		"length(s.content) >= $3",
	}
	if q.ExcludeIgnored {
		where = append(where, "coalesce(p.meta->>'ignore', 'false') <> 'true'")
	}
	if q.Source != "" {
		args = append(args, q.Source)
		where = append(where, "p.source = $"+strconv.Itoa(len(args)))
	}
	limit := ""
	if q.Limit > 0 {
		args = append(args, q.Limit)
		limit = "\nLIMIT $" + strconv.Itoa(len(args))
	}

	sql := fmt.Sprintf(`SELECT s.content, p.path, 1 - (s.embedding <=> $1::vector) AS similarity
FROM %s s
JOIN %s p ON p.id = s.page_id
WHERE %s
ORDER BY s.embedding <=> $1::vector%s`,
		pgx.Identifier{table}.Sanitize(), pgx.Identifier{pageTable}.Sanitize(),
		strings.Join(where, "\n  AND "), limit)
	return sql, args
}

// vectorToString renders values in pgvector's text input format.
func vectorToString(values []float32) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
