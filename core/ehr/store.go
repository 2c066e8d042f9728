package ehr

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite"
)

const DefaultTopK = 5

// Chunk is one retrieved passage of the patient record.
type Chunk struct {
	Source     string
	ChunkIndex int
	Text       string
	Score      float64
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "were": {}, "what": {},
	"which": {}, "who": {}, "does": {}, "did": {}, "has": {}, "have": {}, "with": {},
	"this": {}, "that": {}, "there": {}, "any": {}, "about": {}, "patient": {},
	"patients": {}, "his": {}, "her": {}, "their": {}, "from": {}, "tell": {},
	"show": {}, "can": {}, "you": {}, "how": {}, "when": {}, "record": {},
}

// Store gives read-only keyword retrieval over a docstore of record chunks
// in a SQLite database with the table
//
//	chunks(source TEXT, chunk_index INTEGER, text TEXT)
type Store struct {
	db *sql.DB
}

// Open opens the docstore database in read-only mode.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open docstore: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping docstore: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Query returns up to topK chunks ranked by how many distinct question
// terms they contain.
func (s *Store) Query(ctx context.Context, question string, topK int) ([]Chunk, error) {
	ctx, span := tracer.Start(ctx, "query ehr docstore")
	defer span.End()

	if topK <= 0 {
		topK = DefaultTopK
	}
	terms := queryTerms(question)
	span.SetAttributes(attribute.Int("ehr.terms", len(terms)))
	if len(terms) == 0 {
		return nil, nil
	}

	clauses := make([]string, len(terms))
	args := make([]any, len(terms))
	for i, term := range terms {
		clauses[i] = "lower(text) LIKE ?"
		args[i] = "%" + term + "%"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, chunk_index, text
		FROM chunks
		WHERE `+strings.Join(clauses, " OR ")+`
		ORDER BY source, chunk_index
	`, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.Source, &c.ChunkIndex, &c.Text); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Score = score(c.Text, terms)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read chunks: %w", err)
	}

	slices.SortStableFunc(chunks, func(a, b Chunk) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})
	if len(chunks) > topK {
		chunks = chunks[:topK]
	}
	logger.Debug("retrieved record chunks", "terms", terms, "chunks", len(chunks))
	return chunks, nil
}

func queryTerms(question string) []string {
	fields := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var terms []string
	for _, field := range fields {
		if len([]rune(field)) < 3 {
			continue
		}
		if _, stop := stopWords[field]; stop {
			continue
		}
		if !slices.Contains(terms, field) {
			terms = append(terms, field)
		}
	}
	return terms
}

func score(text string, terms []string) float64 {
	lower := strings.ToLower(text)
	matched := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// BuildContext joins chunks under "[source | chunk]" headers until maxChars
// would be exceeded.
func BuildContext(chunks []Chunk, maxChars int) string {
	var parts []string
	total := 0
	for _, c := range chunks {
		snippet := strings.ReplaceAll(strings.TrimSpace(c.Text), "\n\n", "\n")
		block := fmt.Sprintf("[source: %s | chunk: %d]\n%s", c.Source, c.ChunkIndex, snippet)
		if maxChars > 0 && total+len(block) > maxChars {
			break
		}
		parts = append(parts, block)
		total += len(block)
	}
	if len(parts) == 0 {
		return "(no context retrieved)"
	}
	return strings.Join(parts, "\n\n")
}
