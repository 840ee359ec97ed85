package story

import (
	"context"
	"strings"
	"time"

	"github.com/suPer8Hu/story-engine/internal/ability"
	"go.uber.org/zap"
)

const (
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

// Periods lists the named windows the overview cache is kept for.
var Periods = []string{PeriodDay, PeriodWeek, PeriodMonth}

// Window is a half-open completion time range [Since, Until).
type Window struct {
	Since time.Time
	Until time.Time
}

// PeriodWindow returns the window ending at now. An empty period means day.
func PeriodWindow(period string, now time.Time) (Window, error) {
	switch strings.ToLower(strings.TrimSpace(period)) {
	case "", PeriodDay:
		return Window{Since: now.AddDate(0, 0, -1), Until: now}, nil
	case PeriodWeek:
		return Window{Since: now.AddDate(0, 0, -7), Until: now}, nil
	case PeriodMonth:
		return Window{Since: now.AddDate(0, -1, 0), Until: now}, nil
	default:
		return Window{}, invalidf("unknown period %q", period)
	}
}

type ChildOverview struct {
	ChildID   uint64         `json:"child_id"`
	Period    string         `json:"period,omitempty"`
	Since     time.Time      `json:"since"`
	Until     time.Time      `json:"until"`
	Stories   int            `json:"total_stories"`
	TotalTime int            `json:"total_time"`
	Abilities ability.Report `json:"abilities"`
}

// ChildAbilities aggregates the ledgers of the child's sessions completed inside w.
func (s *Service) ChildAbilities(ctx context.Context, childID uint64, w Window) (*ChildOverview, error) {
	if childID == 0 {
		return nil, invalidf("child id is required")
	}
	if !w.Until.After(w.Since) {
		return nil, invalidf("empty time window")
	}

	var sessions []Session
	if err := s.db.WithContext(ctx).
		Where("child_id = ? AND completed_at IS NOT NULL AND completed_at >= ? AND completed_at < ?", childID, w.Since, w.Until).
		Order("id ASC").
		Find(&sessions).Error; err != nil {
		return nil, err
	}

	o := &ChildOverview{ChildID: childID, Since: w.Since, Until: w.Until, Stories: len(sessions)}
	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		ids = append(ids, sess.SessionID)
		if sess.TotalTime != nil {
			o.TotalTime += *sess.TotalTime
		}
	}
	entries, err := ledgerEntriesFor(s.db.WithContext(ctx), ids)
	if err != nil {
		return nil, err
	}
	o.Abilities = ability.Aggregate(points(entries))
	return o, nil
}

// PeriodOverview is ChildAbilities for a named period, served from the overview cache
// when possible.
func (s *Service) PeriodOverview(ctx context.Context, childID uint64, period string) (*ChildOverview, error) {
	period = strings.ToLower(strings.TrimSpace(period))
	if period == "" {
		period = PeriodDay
	}
	w, err := PeriodWindow(period, s.now())
	if err != nil {
		return nil, err
	}

	if o, ok, err := s.overviews.GetOverview(ctx, childID, period); err != nil {
		s.log.Warn("overview cache read failed", zap.Uint64("child_id", childID), zap.Error(err))
	} else if ok {
		return o, nil
	}

	o, err := s.ChildAbilities(ctx, childID, w)
	if err != nil {
		return nil, err
	}
	o.Period = period
	if err := s.overviews.SetOverview(ctx, childID, period, o, s.overviewTTL); err != nil {
		s.log.Warn("overview cache write failed", zap.Uint64("child_id", childID), zap.Error(err))
	}
	return o, nil
}

// RefreshOverviews recomputes and caches every named period for the child.
func (s *Service) RefreshOverviews(ctx context.Context, childID uint64) error {
	if err := s.overviews.InvalidateOverviews(ctx, childID); err != nil {
		return err
	}
	for _, p := range Periods {
		if _, err := s.PeriodOverview(ctx, childID, p); err != nil {
			return err
		}
	}
	return nil
}
