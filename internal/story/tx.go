package story

import (
	"context"
	"crypto/rand"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func txOptions(db *gorm.DB) []*sql.TxOptions {
	if db.Dialector.Name() == "mysql" {
		return []*sql.TxOptions{{Isolation: sql.LevelReadCommitted}}
	}
	return nil
}

// forUpdate adds a row lock. sqlite has no row locks; its writers are serialised anyway.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func inTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(fn, txOptions(db)...)
}

func lockSession(tx *gorm.DB, sessionID string) (*Session, error) {
	var s Session
	if err := forUpdate(tx).Where("session_id = ?", sessionID).Take(&s).Error; err != nil {
		return nil, notFound("session "+sessionID, err)
	}
	return &s, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NewSessionID returns a ULID, sortable by creation time.
func NewSessionID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
