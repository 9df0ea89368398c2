package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chat-sentinel/backend/pkg/logger"
)

// SQLiteSearcher backs the knowledge collaborator with a local snippet
// table. Candidate rows are fetched by token match and ranked in memory.
type SQLiteSearcher struct {
	db             *sql.DB
	minReliability float64
}

func NewSQLiteSearcher(db *sql.DB, minReliability float64) (*SQLiteSearcher, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS knowledge_snippets (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT,
		reliability REAL NOT NULL DEFAULT 0.5,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snippets_topic ON knowledge_snippets(topic);
	`

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize knowledge schema: %w", err)
	}

	logger.Info("Knowledge searcher initialized", zap.Float64("min_reliability", minReliability))

	return &SQLiteSearcher{db: db, minReliability: minReliability}, nil
}

func (s *SQLiteSearcher) Add(ctx context.Context, snippet Snippet) error {
	query := `
		INSERT INTO knowledge_snippets (id, topic, content, source, reliability, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			topic = excluded.topic,
			content = excluded.content,
			source = excluded.source,
			reliability = excluded.reliability
	`

	_, err := s.db.ExecContext(ctx, query,
		snippet.ID,
		snippet.Topic,
		snippet.Content,
		snippet.Source,
		snippet.Reliability,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snippet: %w", err)
	}
	return nil
}

// SeedDefaults loads a small starter fact set the first time the service
// runs against an empty table. Existing data is left alone.
func (s *SQLiteSearcher) SeedDefaults(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM knowledge_snippets").Scan(&count); err != nil {
		return fmt.Errorf("failed to count snippets: %w", err)
	}
	if count > 0 {
		return nil
	}

	seeds := []Snippet{
		{ID: "geo-fr-capital", Topic: "geography", Content: "The capital of France is Paris.", Source: "world-factbook", Reliability: 0.98},
		{ID: "geo-fr-population", Topic: "geography", Content: "France has a population of about 68 million people.", Source: "world-factbook", Reliability: 0.9},
		{ID: "geo-de-capital", Topic: "geography", Content: "The capital of Germany is Berlin.", Source: "world-factbook", Reliability: 0.98},
		{ID: "geo-jp-capital", Topic: "geography", Content: "The capital of Japan is Tokyo.", Source: "world-factbook", Reliability: 0.98},
		{ID: "sci-water-boil", Topic: "science", Content: "Water boils at 100 degrees Celsius at sea level.", Source: "physics-handbook", Reliability: 0.97},
		{ID: "sci-light-speed", Topic: "science", Content: "The speed of light in a vacuum is 299792458 meters per second.", Source: "physics-handbook", Reliability: 0.99},
		{ID: "hist-www", Topic: "history", Content: "The World Wide Web was invented by Tim Berners-Lee in 1989.", Source: "encyclopedia", Reliability: 0.95},
		{ID: "hist-moon", Topic: "history", Content: "Apollo 11 landed the first humans on the Moon in 1969.", Source: "encyclopedia", Reliability: 0.97},
	}

	for _, snip := range seeds {
		if err := s.Add(ctx, snip); err != nil {
			return err
		}
	}

	logger.Info("Knowledge base seeded", zap.Int("snippets", len(seeds)))
	return nil
}

func (s *SQLiteSearcher) Search(ctx context.Context, queryText string, maxResults int) ([]Snippet, error) {
	tokens := tokenize(queryText)
	if len(tokens) == 0 {
		return nil, nil
	}
	if maxResults <= 0 {
		maxResults = 5
	}

	conditions := make([]string, 0, len(tokens))
	args := make([]interface{}, 0, len(tokens)*2+1)
	for _, token := range tokens {
		conditions = append(conditions, "(lower(topic) LIKE ? OR lower(content) LIKE ?)")
		pattern := "%" + token + "%"
		args = append(args, pattern, pattern)
	}
	args = append(args, s.minReliability)

	query := fmt.Sprintf(`
		SELECT id, topic, content, source, reliability
		FROM knowledge_snippets
		WHERE (%s) AND reliability >= ?
		LIMIT 50
	`, strings.Join(conditions, " OR "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search snippets: %w", err)
	}
	defer rows.Close()

	var candidates []Snippet
	for rows.Next() {
		var snip Snippet
		var source sql.NullString
		if err := rows.Scan(&snip.ID, &snip.Topic, &snip.Content, &source, &snip.Reliability); err != nil {
			return nil, fmt.Errorf("failed to scan snippet: %w", err)
		}
		snip.Source = source.String
		candidates = append(candidates, snip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snippets: %w", err)
	}

	ranked := rank(candidates, tokens)
	if len(ranked) > maxResults {
		ranked = ranked[:maxResults]
	}

	logger.Debug("Knowledge search completed",
		zap.Int("candidates", len(candidates)),
		zap.Int("returned", len(ranked)),
	)

	return ranked, nil
}
