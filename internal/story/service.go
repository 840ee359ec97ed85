package story

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/story-engine/internal/ai"
	"github.com/suPer8Hu/story-engine/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultGeneratorTimeout = 60 * time.Second
	maxIdempotencyKeyLen    = 128
	maxTitleRunes           = 200
	maxChildNameRunes       = 100
)

// Service drives a child's playthrough: Start, Advance through scene 8, then Complete.
type Service struct {
	db       *gorm.DB
	resolver *Resolver
	scenes   *SceneStore
	ledger   *Ledger
	gen      ai.SceneGenerator
	log      *zap.Logger

	events      EventPublisher
	overviews   OverviewCache
	overviewTTL time.Duration
	genTimeout  time.Duration
	now         func() time.Time
}

type Option func(*Service)

func WithEvents(p EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

func WithOverviewCache(c OverviewCache, ttl time.Duration) Option {
	return func(s *Service) {
		if c != nil {
			s.overviews = c
		}
		s.overviewTTL = ttl
	}
}

func WithGeneratorTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.genTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(db *gorm.DB, resolver *Resolver, gen ai.SceneGenerator, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		db:          db,
		resolver:    resolver,
		scenes:      NewSceneStore(db),
		ledger:      NewLedger(db, log),
		gen:         gen,
		log:         log,
		overviews:   noopCache{},
		overviewTTL: 10 * time.Minute,
		genTimeout:  defaultGeneratorTimeout,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Ledger() *Ledger { return s.ledger }

func (s *Service) Scenes() *SceneStore { return s.scenes }

type StartInput struct {
	ChildID        uint64
	StoryKey       string
	ChildName      string
	Emotion        string
	Interests      []string
	IdempotencyKey string
}

type StartResult struct {
	Session *Session `json:"session"`
	Story   *Story   `json:"story"`
	Scene   *Scene   `json:"scene"`
	// Created is false when an earlier start with the same idempotency key was returned.
	Created bool `json:"created"`
}

func (s *Service) Start(ctx context.Context, in StartInput) (*StartResult, error) {
	if in.ChildID == 0 {
		return nil, invalidf("child id is required")
	}
	idem := strings.TrimSpace(in.IdempotencyKey)
	if len(idem) > maxIdempotencyKeyLen {
		return nil, invalidf("idempotency key longer than %d bytes", maxIdempotencyKeyLen)
	}
	childName := strings.TrimSpace(in.ChildName)
	if utf8.RuneCountInString(childName) > maxChildNameRunes {
		return nil, invalidf("child name longer than %d characters", maxChildNameRunes)
	}
	log := s.log.With(zap.Uint64("child_id", in.ChildID), zap.String("story_key", in.StoryKey))

	if idem != "" {
		res, err := s.existingStart(ctx, in.ChildID, idem)
		if err == nil {
			log.Info("start replayed", zap.String("session_id", res.Session.SessionID))
			return res, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}

	story, err := s.resolver.Resolve(ctx, in.StoryKey)
	if errors.Is(err, ErrTransientConflict) {
		log.Warn("story resolution conflicted, retrying once")
		story, err = s.resolver.Resolve(ctx, in.StoryKey)
	}
	if err != nil {
		return nil, err
	}

	interests := in.Interests
	if interests == nil {
		interests = []string{}
	}

	// Scene 1 is shared by every session of the story; only the first start pays for it.
	var first *ai.SceneResult
	if _, err := getScene(s.db.WithContext(ctx), story.ID, 1); isNotFound(err) {
		first, err = s.generate(ctx, ai.SceneRequest{
			StoryID:          story.Key(),
			StoryTitle:       displayTitle(story),
			StoryDescription: story.Description,
			ChildID:          in.ChildID,
			ChildName:        childName,
			Emotion:          in.Emotion,
			Interests:        interests,
			SceneNumber:      1,
			PreviousChoices:  []ai.PreviousChoice{},
		})
		if err != nil {
			log.Warn("first scene generation failed", zap.Error(err))
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	sid, err := NewSessionID()
	if err != nil {
		return nil, err
	}
	sess := &Session{
		SessionID:    sid,
		ChildID:      in.ChildID,
		ChildName:    childName,
		StoryID:      story.ID,
		Emotion:      in.Emotion,
		Interests:    interests,
		CurrentScene: 1,
	}
	if idem != "" {
		sess.IdempotencyKey = &idem
	}

	var scene *Scene
	err = inTx(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Create(sess).Error; err != nil {
			return err
		}
		var err error
		if first == nil {
			scene, err = getScene(tx, story.ID, 1)
			return err
		}
		if scene, err = putScene(tx, story.ID, 1, contentFrom(first)); err != nil {
			return err
		}
		return adoptTitle(tx, story, first.ProposedTitle)
	})
	if err != nil {
		if idem != "" && isUniqueViolation(err) {
			// A concurrent start with the same key committed first.
			return s.existingStart(ctx, in.ChildID, idem)
		}
		return nil, fmt.Errorf("start session: %w", err)
	}

	log.Info("session started", zap.String("session_id", sess.SessionID), zap.Uint64("story_id", story.ID))
	return &StartResult{Session: sess, Story: story, Scene: scene, Created: true}, nil
}

func (s *Service) existingStart(ctx context.Context, childID uint64, idem string) (*StartResult, error) {
	db := s.db.WithContext(ctx)
	var sess Session
	if err := db.Where("child_id = ? AND idempotency_key = ?", childID, idem).Take(&sess).Error; err != nil {
		return nil, notFound("session for idempotency key", err)
	}
	var story Story
	if err := db.Where("id = ?", sess.StoryID).Take(&story).Error; err != nil {
		return nil, notFound("story", err)
	}
	scene, err := getScene(db, sess.StoryID, 1)
	if err != nil {
		return nil, err
	}
	return &StartResult{Session: &sess, Story: &story, Scene: scene}, nil
}

// adoptTitle replaces the placeholder title with the first title the generator proposes.
func adoptTitle(tx *gorm.DB, story *Story, proposed string) error {
	proposed = strings.TrimSpace(proposed)
	if proposed == "" || story.Title != PlaceholderTitle {
		return nil
	}
	if utf8.RuneCountInString(proposed) > maxTitleRunes {
		proposed = string([]rune(proposed)[:maxTitleRunes])
	}
	res := tx.Model(&Story{}).
		Where("id = ? AND title = ?", story.ID, PlaceholderTitle).
		Update("title", proposed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		story.Title = proposed
	}
	return nil
}

func displayTitle(story *Story) string {
	if story.Title == PlaceholderTitle {
		return ""
	}
	return story.Title
}

type AdvanceResult struct {
	Session  *Session `json:"session"`
	Scene    *Scene   `json:"scene"`
	IsEnding bool     `json:"is_ending"`
	// Applied is false when the choice had already been recorded.
	Applied bool `json:"applied"`
}

// Advance records a choice and returns the scene that follows it. Re-sending a choice
// whose next scene already exists returns that scene without calling the generator.
func (s *Service) Advance(ctx context.Context, sessionID string, in ChoiceInput) (*AdvanceResult, error) {
	applied, err := s.ledger.Record(ctx, sessionID, in)
	if err != nil {
		return nil, err
	}
	next := in.SceneIndex + 1
	log := s.log.With(zap.String("session_id", sessionID), zap.Int("scene_index", next))

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.CurrentScene >= next {
		scene, err := s.scenes.Get(ctx, sess.StoryID, next)
		if err == nil {
			return &AdvanceResult{Session: sess, Scene: scene, IsEnding: next == FinalScene, Applied: applied}, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}

	var story Story
	if err := s.db.WithContext(ctx).Where("id = ?", sess.StoryID).Take(&story).Error; err != nil {
		return nil, notFound("story", err)
	}

	// Another session of the story may already have stored this scene; a fresh
	// generation would be discarded by the first-writer rule.
	var res *ai.SceneResult
	if _, err := s.scenes.Get(ctx, sess.StoryID, next); isNotFound(err) {
		entries, err := s.ledger.Entries(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		res, err = s.generate(ctx, ai.SceneRequest{
			StoryID:          story.Key(),
			StoryTitle:       displayTitle(&story),
			StoryDescription: story.Description,
			ChildID:          sess.ChildID,
			ChildName:        sess.ChildName,
			Emotion:          sess.Emotion,
			Interests:        sess.Interests,
			SceneNumber:      next,
			PreviousChoices:  history(entries),
		})
		if err != nil {
			log.Warn("scene generation failed", zap.Error(err))
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		log.Debug("scene already stored, generation skipped")
	}

	var scene *Scene
	err = inTx(ctx, s.db, func(tx *gorm.DB) error {
		locked, err := lockSession(tx, sessionID)
		if err != nil {
			return err
		}
		if locked.Completed() {
			return fmt.Errorf("session %s: %w", sessionID, ErrSessionAlreadyCompleted)
		}
		if res == nil {
			scene, err = getScene(tx, locked.StoryID, next)
		} else {
			scene, err = putScene(tx, locked.StoryID, next, contentFrom(res))
		}
		if err != nil {
			return err
		}
		if locked.CurrentScene < next {
			if err := tx.Model(&Session{}).Where("id = ?", locked.ID).Updates(map[string]any{
				"current_scene": next,
				"updated_at":    s.now(),
			}).Error; err != nil {
				return err
			}
			locked.CurrentScene = next
		}
		if res != nil {
			if err := adoptTitle(tx, &story, res.ProposedTitle); err != nil {
				return err
			}
		}
		sess = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("session advanced", zap.Bool("applied", applied))
	return &AdvanceResult{Session: sess, Scene: scene, IsEnding: next == FinalScene, Applied: applied}, nil
}

// RecordChoice only appends to the ledger. Older clients record choices this way and
// fetch scenes separately.
func (s *Service) RecordChoice(ctx context.Context, sessionID string, in ChoiceInput) (bool, error) {
	return s.ledger.Record(ctx, sessionID, in)
}

func (s *Service) Complete(ctx context.Context, sessionID string, totalTime int) (*Session, error) {
	if totalTime < 0 {
		return nil, invalidf("total time must not be negative")
	}

	var sess *Session
	err := inTx(ctx, s.db, func(tx *gorm.DB) error {
		locked, err := lockSession(tx, sessionID)
		if err != nil {
			return err
		}
		if locked.Completed() {
			return fmt.Errorf("session %s: %w", sessionID, ErrSessionAlreadyCompleted)
		}
		now := s.now()
		res := tx.Model(&Session{}).
			Where("id = ? AND completed_at IS NULL", locked.ID).
			Updates(map[string]any{"completed_at": now, "total_time": totalTime, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("session %s: %w", sessionID, ErrSessionAlreadyCompleted)
		}
		locked.CompletedAt = &now
		locked.TotalTime = &totalTime
		sess = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SessionsCompleted.Inc()
	s.log.Info("session completed",
		zap.String("session_id", sessionID),
		zap.Uint64("child_id", sess.ChildID),
		zap.Int("ability_score", sess.AbilityScore),
	)
	s.afterComplete(ctx, sess)
	return sess, nil
}

func (s *Service) afterComplete(ctx context.Context, sess *Session) {
	if err := s.overviews.InvalidateOverviews(ctx, sess.ChildID); err != nil {
		s.log.Warn("overview cache invalidate failed", zap.Uint64("child_id", sess.ChildID), zap.Error(err))
	}
	if s.events == nil {
		return
	}
	ev := SessionCompleted{
		Type:         EventSessionCompleted,
		SessionID:    sess.SessionID,
		ChildID:      sess.ChildID,
		StoryID:      sess.StoryID,
		AbilityScore: sess.AbilityScore,
		TotalTime:    *sess.TotalTime,
		CompletedAt:  *sess.CompletedAt,
	}
	if err := s.events.PublishSessionCompleted(ctx, ev); err != nil {
		s.log.Warn("publish session.completed failed", zap.String("session_id", sess.SessionID), zap.Error(err))
	}
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&sess).Error; err != nil {
		return nil, notFound("session "+sessionID, err)
	}
	return &sess, nil
}

func (s *Service) generate(ctx context.Context, req ai.SceneRequest) (*ai.SceneResult, error) {
	if s.gen == nil {
		return nil, fmt.Errorf("%w: no generator configured", ErrGenerationFailed)
	}
	gctx, cancel := context.WithTimeout(ctx, s.genTimeout)
	defer cancel()

	res, err := s.gen.GenerateScene(gctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: scene %d: %w", ErrGenerationFailed, req.SceneNumber, err)
	}
	if res == nil || strings.TrimSpace(res.Content) == "" {
		return nil, fmt.Errorf("%w: scene %d: %w", ErrGenerationFailed, req.SceneNumber, ai.ErrEmptyScene)
	}
	return res, nil
}
