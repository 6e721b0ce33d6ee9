// Package pgvector implements destination.Destination against PostgreSQL
// with the pgvector extension, storing one row per entity with its
// embedding in a vector column and doing conflict-aware upserts keyed on
// (source_connection_id, entity_id).
package pgvector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/evalgo/airweave-sync/entity"
)

// Row is the GORM model backing the destination table. Embedding is stored
// as a pgvector column via the raw SQL type tag; GORM's struct mapping
// doesn't need a native Go vector type since we always read/write it
// through parameterized SQL literals.
type Row struct {
	SourceConnectionID string    `gorm:"column:source_connection_id;primaryKey"`
	EntityID           string    `gorm:"column:entity_id;primaryKey"`
	EntityType         string    `gorm:"column:entity_type"`
	SyncID             string    `gorm:"column:sync_id"`
	Breadcrumbs        string    `gorm:"column:breadcrumbs;type:jsonb"`
	Fields             string    `gorm:"column:fields;type:jsonb"`
	Embedding          string    `gorm:"column:embedding;type:vector(1536)"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

func (Row) TableName() string { return "airweave_entities" }

// Destination is a pgvector-backed Destination.
type Destination struct {
	db *gorm.DB
}

// Open connects to Postgres and configures the connection pool the way the
// reference database layer does for long-running services: a modest idle
// pool, a larger open-connection ceiling, and hourly connection recycling.
func Open(dsn string) (*Destination, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("pgvector: connecting: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("pgvector: getting pool handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS vector`).Error; err != nil {
		return nil, fmt.Errorf("pgvector: enabling extension: %w", err)
	}
	if err := db.AutoMigrate(&Row{}); err != nil {
		return nil, fmt.Errorf("pgvector: migrating: %w", err)
	}
	return &Destination{db: db}, nil
}

func (d *Destination) Name() string { return "pgvector" }

// SetupCollection satisfies destination.CollectionSetup. The table is
// shared across collections, so there's no per-collection object to
// create; what needs to be idempotent is the embedding column's
// dimension, which has to match whatever embedding model produced
// vectorSize before the first upsert lands. ALTER COLUMN TYPE is a no-op
// when the dimension already matches, making repeated calls safe.
func (d *Destination) SetupCollection(ctx context.Context, collectionID string, vectorSize int) error {
	if vectorSize <= 0 {
		return fmt.Errorf("pgvector: setup_collection %s: vector size must be positive, got %d", collectionID, vectorSize)
	}
	stmt := fmt.Sprintf(`ALTER TABLE airweave_entities ALTER COLUMN embedding TYPE vector(%d)`, vectorSize)
	if err := d.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		return fmt.Errorf("pgvector: setup_collection %s: sizing embedding column to %d: %w", collectionID, vectorSize, err)
	}
	return nil
}

func (d *Destination) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *Destination) Upsert(ctx context.Context, entities []entity.Entity) error {
	if len(entities) == 0 {
		return nil
	}

	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range entities {
			row, err := toRow(e)
			if err != nil {
				return fmt.Errorf("pgvector: encoding entity %s: %w", e.EntityID, err)
			}

			vectorLiteral := vectorToLiteral(fieldEmbedding(e))
			err = tx.Exec(`
				INSERT INTO airweave_entities
					(source_connection_id, entity_id, entity_type, sync_id, breadcrumbs, fields, embedding, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?::vector, ?)
				ON CONFLICT (source_connection_id, entity_id) DO UPDATE SET
					entity_type = EXCLUDED.entity_type,
					sync_id     = EXCLUDED.sync_id,
					breadcrumbs = EXCLUDED.breadcrumbs,
					fields      = EXCLUDED.fields,
					embedding   = EXCLUDED.embedding,
					updated_at  = EXCLUDED.updated_at
			`, row.SourceConnectionID, row.EntityID, row.EntityType, row.SyncID,
				row.Breadcrumbs, row.Fields, vectorLiteral, row.UpdatedAt).Error
			if err != nil {
				return fmt.Errorf("pgvector: upserting entity %s: %w", e.EntityID, err)
			}
		}
		return nil
	})
}

func (d *Destination) Delete(ctx context.Context, sourceConnectionID string, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	err := d.db.WithContext(ctx).
		Where("source_connection_id = ? AND entity_id IN ?", sourceConnectionID, entityIDs).
		Delete(&Row{}).Error
	if err != nil {
		return fmt.Errorf("pgvector: deleting %d entities for %s: %w", len(entityIDs), sourceConnectionID, err)
	}
	return nil
}

// Search runs a cosine-distance nearest-neighbor query scoped to a sync,
// with an optional recency bias: results within recencyHalfLife of now are
// boosted, trading pure similarity rank for freshness the way the
// reference search ranking does.
func (d *Destination) Search(ctx context.Context, syncID string, queryEmbedding []float32, limit int, recencyHalfLife time.Duration) ([]SearchResult, error) {
	vectorLiteral := vectorToLiteral(queryEmbedding)

	query := `
		SELECT entity_id, fields, 1 - (embedding <=> ?::vector) AS similarity, updated_at
		FROM airweave_entities
		WHERE sync_id = ?
		ORDER BY embedding <=> ?::vector
		LIMIT ?
	`
	rows, err := d.db.WithContext(ctx).Raw(query, vectorLiteral, syncID, vectorLiteral, limit*3).Rows()
	if err != nil {
		return nil, fmt.Errorf("pgvector: searching: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	now := time.Now()
	for rows.Next() {
		var (
			entityID   string
			fieldsJSON string
			similarity float64
			updatedAt  time.Time
		)
		if err := rows.Scan(&entityID, &fieldsJSON, &similarity, &updatedAt); err != nil {
			return nil, fmt.Errorf("pgvector: scanning search row: %w", err)
		}
		score := similarity
		if recencyHalfLife > 0 {
			age := now.Sub(updatedAt)
			decay := recencyDecay(age, recencyHalfLife)
			score = similarity * decay
		}
		results = append(results, SearchResult{EntityID: entityID, FieldsJSON: fieldsJSON, Similarity: similarity, Score: score})
	}

	sortByScoreDesc(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, rows.Err()
}

// SearchResult is one ranked hit from Search.
type SearchResult struct {
	EntityID   string
	FieldsJSON string
	Similarity float64
	Score      float64
}

func recencyDecay(age, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	halvings := float64(age) / float64(halfLife)
	decay := 1.0
	for i := 0.0; i < halvings; i++ {
		decay /= 2
	}
	return decay
}

func sortByScoreDesc(results []SearchResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func toRow(e entity.Entity) (Row, error) {
	breadcrumbsJSON, err := json.Marshal(e.BreadcrumbPath)
	if err != nil {
		return Row{}, err
	}
	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return Row{}, err
	}
	updatedAt := e.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	return Row{
		SourceConnectionID: e.SourceConnectionID,
		EntityID:           e.EntityID,
		EntityType:         e.EntityType,
		SyncID:             e.SyncID,
		Breadcrumbs:        string(breadcrumbsJSON),
		Fields:             string(fieldsJSON),
		UpdatedAt:          updatedAt,
	}, nil
}

func fieldEmbedding(e entity.Entity) []float32 {
	raw, ok := e.Fields["embedding"]
	if !ok {
		return nil
	}
	vals, ok := raw.([]float32)
	if ok {
		return vals
	}
	if anyVals, ok := raw.([]any); ok {
		out := make([]float32, len(anyVals))
		for i, v := range anyVals {
			if f, ok := v.(float64); ok {
				out[i] = float32(f)
			}
		}
		return out
	}
	return nil
}

func vectorToLiteral(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = fmt.Sprintf("%f", f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
