// Package ranking computes the recency/urgency priority used to order tracked
// exercises and courses and to pick a context automatically.
package ranking

import (
	"math"
	"time"
)

const (
	WorkspaceBonus   = 1000
	NewReleaseBonus  = 100
	DueSoonMax       = 200
	DueSoonMin       = 170
	RecentViewBonus  = 50
	CourseViewBonus  = 100
	FullScorePenalty = 100

	releaseWindowDays = 7
	dueWindowDays     = 7
	recentViewWindow  = 24 * time.Hour
	day               = 24 * time.Hour
)

// ExerciseSignals are the inputs that influence an exercise's priority.
type ExerciseSignals struct {
	IsWorkspace  bool
	ReleaseDate  *time.Time
	DueDate      *time.Time
	LastViewed   time.Time
	ScorePercent *float64
}

// CourseSignals are the inputs that influence a course's priority.
type CourseSignals struct {
	LastViewed time.Time
}

// Exercise returns the additive priority for an exercise at now.
func Exercise(s ExerciseSignals, now time.Time) int {
	p := 0
	if s.IsWorkspace {
		p += WorkspaceBonus
	}
	if s.ReleaseDate != nil {
		age := days(now.Sub(*s.ReleaseDate))
		if age >= 0 && age <= releaseWindowDays {
			p += NewReleaseBonus
		}
	}
	if s.DueDate != nil {
		p += DueSoon(days(s.DueDate.Sub(now)))
	}
	if viewedWithin(s.LastViewed, now) {
		p += RecentViewBonus
	}
	if s.ReleaseDate != nil {
		p += tiebreaker(*s.ReleaseDate)
	}
	if s.ScorePercent != nil && *s.ScorePercent >= 100 {
		p -= FullScorePenalty
	}
	return p
}

// Course returns the priority for a course at now.
func Course(s CourseSignals, now time.Time) int {
	p := 0
	if viewedWithin(s.LastViewed, now) {
		p += CourseViewBonus
	}
	if !s.LastViewed.IsZero() {
		p += tiebreaker(s.LastViewed)
	}
	return p
}

// DueSoon is the urgency contribution for an exercise due in daysUntilDue
// days. It decays linearly from 200 (due now) to 170 (due in a week) and is
// zero outside that window.
func DueSoon(daysUntilDue float64) int {
	if daysUntilDue < 0 || daysUntilDue > dueWindowDays {
		return 0
	}
	v := DueSoonMax - int(math.Floor(daysUntilDue*30/dueWindowDays))
	return max(v, DueSoonMin)
}

// Less reports whether an entry with priority pa, last viewed at va, sorts
// before one with pb/vb: priority descending, then most recently viewed.
func Less(pa int, va time.Time, pb int, vb time.Time) bool {
	if pa != pb {
		return pa > pb
	}
	return va.After(vb)
}

// Compare is Less expressed as a three-way comparison for slices.SortFunc.
func Compare(pa int, va time.Time, pb int, vb time.Time) int {
	switch {
	case Less(pa, va, pb, vb):
		return -1
	case Less(pb, vb, pa, va):
		return 1
	}
	return 0
}

func viewedWithin(t, now time.Time) bool {
	if t.IsZero() {
		return false
	}
	d := now.Sub(t)
	return d >= 0 && d <= recentViewWindow
}

func tiebreaker(t time.Time) int {
	epochDays := float64(t.Unix()) / float64(day/time.Second)
	return int(math.Floor(epochDays / 1000))
}

func days(d time.Duration) float64 {
	return d.Hours() / 24
}
