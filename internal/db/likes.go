package db

import (
	"database/sql"
	"fmt"
)

// LikesDatabase persists like counters for shared photos. Players send an
// upload packet naming a photo; the node increments its counter here and
// relays nothing, so the table is the only durable state in the system.
type LikesDatabase struct {
	db *Database
}

// NewLikesDatabase creates and initializes the likes database.
func NewLikesDatabase(dbPath string) (*LikesDatabase, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	ldb := &LikesDatabase{db: database}
	if err := ldb.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate likes database: %w", err)
	}
	return ldb, nil
}

// migrate creates the database schema.
func (ldb *LikesDatabase) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS photo_likes (
			photo_id TEXT PRIMARY KEY,
			like_count INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	_, err := ldb.db.Exec(schema)
	return err
}

// IncrementLikeCounter adds one like to a photo, creating the row on
// first like.
func (ldb *LikesDatabase) IncrementLikeCounter(photoID string) error {
	_, err := ldb.db.Exec(`
		INSERT INTO photo_likes (photo_id, like_count, updated_at)
		VALUES (?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(photo_id) DO UPDATE SET
			like_count = like_count + 1,
			updated_at = CURRENT_TIMESTAMP
	`, photoID)
	if err != nil {
		return fmt.Errorf("failed to increment like counter for %s: %w", photoID, err)
	}
	return nil
}

// GetLikeCount returns the like counter for a photo, zero if unknown.
func (ldb *LikesDatabase) GetLikeCount(photoID string) (int64, error) {
	var count int64
	err := ldb.db.QueryRow(
		"SELECT like_count FROM photo_likes WHERE photo_id = ?", photoID,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read like counter for %s: %w", photoID, err)
	}
	return count, nil
}

// Close closes the underlying database.
func (ldb *LikesDatabase) Close() error {
	return ldb.db.Close()
}
