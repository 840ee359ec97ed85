package story

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/story-engine/internal/ai"
	"github.com/suPer8Hu/story-engine/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxChoiceTextLen = 500

type ChoiceInput struct {
	SceneIndex  int
	ChoiceID    string
	ChoiceText  string
	AbilityType string
	// AbilityPoints counts as 0 when nil.
	AbilityPoints *int
}

func (in ChoiceInput) points() int {
	if in.AbilityPoints == nil {
		return 0
	}
	return *in.AbilityPoints
}

// Ledger is the append-only record of a session's decisions.
type Ledger struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewLedger(db *gorm.DB, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{db: db, log: log}
}

// Record appends the choice unless the session already holds the same text for the same
// scene. applied reports whether anything was written.
func (l *Ledger) Record(ctx context.Context, sessionID string, in ChoiceInput) (applied bool, err error) {
	in.ChoiceText = strings.TrimSpace(in.ChoiceText)
	err = inTx(ctx, l.db, func(tx *gorm.DB) error {
		var err error
		applied, err = recordChoice(tx, sessionID, in)
		return err
	})
	switch {
	case err != nil:
		metrics.LedgerRecords.WithLabelValues("rejected").Inc()
		return false, err
	case applied:
		metrics.LedgerRecords.WithLabelValues("applied").Inc()
	default:
		metrics.LedgerRecords.WithLabelValues("duplicate").Inc()
		l.log.Debug("duplicate choice ignored",
			zap.String("session_id", sessionID),
			zap.Int("scene_index", in.SceneIndex),
		)
	}
	return applied, nil
}

// Entries returns the session's ledger in append order.
func (l *Ledger) Entries(ctx context.Context, sessionID string) ([]LedgerEntry, error) {
	return ledgerEntries(l.db.WithContext(ctx), sessionID)
}

func validateChoice(in ChoiceInput) error {
	if in.ChoiceText == "" {
		return invalidf("choice text is empty")
	}
	if len(in.ChoiceText) > maxChoiceTextLen {
		return invalidf("choice text longer than %d bytes", maxChoiceTextLen)
	}
	if in.SceneIndex < 1 || in.SceneIndex >= FinalScene {
		return invalidf("no decision is taken at scene %d", in.SceneIndex)
	}
	return nil
}

func recordChoice(tx *gorm.DB, sessionID string, in ChoiceInput) (bool, error) {
	sess, err := lockSession(tx, sessionID)
	if err != nil {
		return false, err
	}
	// A finished session rejects every later choice the same way, well-formed or not.
	if sess.Completed() {
		return false, fmt.Errorf("session %s: %w", sessionID, ErrSessionAlreadyCompleted)
	}
	if err := validateChoice(in); err != nil {
		return false, err
	}
	if in.SceneIndex > sess.CurrentScene {
		return false, invalidf("scene %d not reached yet (current %d)", in.SceneIndex, sess.CurrentScene)
	}

	var n int64
	if err := tx.Model(&LedgerEntry{}).
		Where("session_id = ? AND scene_index = ? AND choice_text = ?", sessionID, in.SceneIndex, in.ChoiceText).
		Count(&n).Error; err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	pts := in.points()
	entry := LedgerEntry{
		SessionID:     sessionID,
		SceneIndex:    in.SceneIndex,
		ChoiceText:    in.ChoiceText,
		ChoiceID:      strings.TrimSpace(in.ChoiceID),
		AbilityType:   strings.TrimSpace(in.AbilityType),
		AbilityPoints: pts,
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	// Mirror into the story-wide choice table; the first wording of a choice wins.
	scene, err := getScene(tx, sess.StoryID, in.SceneIndex)
	if err != nil {
		return false, err
	}
	mirror := Choice{
		SceneID:       scene.ID,
		ChoiceText:    entry.ChoiceText,
		AbilityType:   entry.AbilityType,
		AbilityPoints: pts,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&mirror).Error; err != nil && !isUniqueViolation(err) {
		return false, err
	}

	if err := tx.Model(&Session{}).Where("id = ?", sess.ID).Updates(map[string]any{
		"ability_score": gorm.Expr("ability_score + ?", pts),
		"updated_at":    time.Now(),
	}).Error; err != nil {
		return false, err
	}
	return true, nil
}

func ledgerEntries(db *gorm.DB, sessionID string) ([]LedgerEntry, error) {
	var out []LedgerEntry
	if err := db.Where("session_id = ?", sessionID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func ledgerEntriesFor(db *gorm.DB, sessionIDs []string) ([]LedgerEntry, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	var out []LedgerEntry
	if err := db.Where("session_id IN ?", sessionIDs).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// history renders ledger entries the way the generator expects them.
func history(entries []LedgerEntry) []ai.PreviousChoice {
	out := make([]ai.PreviousChoice, 0, len(entries))
	for _, e := range entries {
		out = append(out, ai.PreviousChoice{
			SceneNumber:  e.SceneIndex,
			ChoiceID:     e.ChoiceID,
			ChoiceText:   e.ChoiceText,
			AbilityType:  e.AbilityType,
			AbilityScore: e.AbilityPoints,
		})
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}
