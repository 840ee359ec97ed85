// Package ability turns choice ledger entries into per-ability scores. Everything here
// is a pure function of its input so results can be recomputed from the ledger at any time.
package ability

import (
	"math"
	"sort"
	"strings"
)

type Type string

const (
	Courage        Type = "courage"
	Kindness       Type = "kindness"
	Empathy        Type = "empathy"
	Friendship     Type = "friendship"
	SelfEsteem     Type = "self_esteem"
	Creativity     Type = "creativity"
	Responsibility Type = "responsibility"
)

// known lists the abilities the app scores, in display order.
var known = []Type{Courage, Kindness, Empathy, Friendship, SelfEsteem, Creativity, Responsibility}

var aliases = map[string]Type{
	"용기":          Courage,
	"친절":          Kindness,
	"공감":          Empathy,
	"우정":          Friendship,
	"자존감":         SelfEsteem,
	"창의성":         Creativity,
	"책임감":         Responsibility,
	"self-esteem": SelfEsteem,
	"self esteem": SelfEsteem,
	"selfesteem":  SelfEsteem,
}

// Canonical maps a raw ability label (English or Korean) onto its Type. Unknown labels
// are kept, lower-cased.
func Canonical(raw string) Type {
	s := strings.ToLower(strings.TrimSpace(raw))
	if t, ok := aliases[s]; ok {
		return t
	}
	return Type(s)
}

// Point is one scored decision.
type Point struct {
	Type   string
	Points int
}

type Bucket struct {
	Type    Type    `json:"type"`
	Total   int     `json:"total"`
	Count   int     `json:"count"`
	Average float64 `json:"average"`
	// Score is Average scaled onto 0..100, assuming at most 10 points per choice.
	Score float64 `json:"score"`
}

type Composite struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

type Report struct {
	Total      int         `json:"total"`
	Choices    int         `json:"choices"`
	Buckets    []Bucket    `json:"buckets"`
	Composites []Composite `json:"composites"`
}

// Bucket returns the bucket for t, zero valued when no choice carried it.
func (r Report) Bucket(t Type) Bucket {
	for _, b := range r.Buckets {
		if b.Type == t {
			return b
		}
	}
	return Bucket{Type: t}
}

type weight struct {
	t Type
	w float64
}

// composites are the parent-facing categories, each a fixed linear blend of child abilities.
var composites = []struct {
	name    string
	weights []weight
}{
	{"emotional_regulation", []weight{{Empathy, 0.7}, {SelfEsteem, 0.3}}},
	{"social_interaction", []weight{{Kindness, 0.5}, {Friendship, 0.5}}},
	{"self_concept", []weight{{SelfEsteem, 0.6}, {Courage, 0.4}}},
	{"resilience", []weight{{Courage, 1.0}}},
	{"prosocial", []weight{{Empathy, 0.6}, {Kindness, 0.4}}},
}

// Aggregate buckets points by canonical ability type. Total covers every point, including
// choices without an ability label; buckets skip unlabeled choices.
func Aggregate(points []Point) Report {
	sums := make(map[Type]*Bucket)
	r := Report{}
	for _, p := range points {
		r.Total += p.Points
		r.Choices++
		t := Canonical(p.Type)
		if t == "" {
			continue
		}
		b, ok := sums[t]
		if !ok {
			b = &Bucket{Type: t}
			sums[t] = b
		}
		b.Total += p.Points
		b.Count++
	}

	for _, t := range known {
		b, ok := sums[t]
		if !ok {
			r.Buckets = append(r.Buckets, Bucket{Type: t})
			continue
		}
		r.Buckets = append(r.Buckets, finish(*b))
		delete(sums, t)
	}
	extra := make([]Type, 0, len(sums))
	for t := range sums {
		extra = append(extra, t)
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	for _, t := range extra {
		r.Buckets = append(r.Buckets, finish(*sums[t]))
	}

	r.Composites = Composites(r)
	return r
}

func finish(b Bucket) Bucket {
	if b.Count > 0 {
		b.Average = float64(b.Total) / float64(b.Count)
		b.Score = math.Min(b.Average*10, 100)
	}
	return b
}

// Composites blends normalised bucket scores into the parent-facing categories.
func Composites(r Report) []Composite {
	out := make([]Composite, 0, len(composites))
	for _, c := range composites {
		var score float64
		for _, w := range c.weights {
			score += r.Bucket(w.t).Score * w.w
		}
		out = append(out, Composite{Name: c.name, Score: score})
	}
	return out
}
