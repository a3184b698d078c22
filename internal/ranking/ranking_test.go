package ranking

import (
	"math"
	"slices"
	"testing"
	"time"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func TestDueSoon(t *testing.T) {
	tests := []struct {
		days float64
		want int
	}{
		{0, 200},
		{7, 170},
		{3.5, 185},
		{6.99, 171},
		{-0.01, 0},
		{7.01, 0},
		{30, 0},
	}
	for _, tt := range tests {
		if got := DueSoon(tt.days); got != tt.want {
			t.Errorf("DueSoon(%v) = %d, want %d", tt.days, got, tt.want)
		}
	}
}

func TestDueSoonNeverBelowFloorInsideWindow(t *testing.T) {
	for d := 0.0; d <= 7; d += 0.25 {
		got := DueSoon(d)
		if got < DueSoonMin || got > DueSoonMax {
			t.Errorf("DueSoon(%v) = %d, outside [%d, %d]", d, got, DueSoonMin, DueSoonMax)
		}
	}
}

func TestExercise_Components(t *testing.T) {
	release := now.Add(-48 * time.Hour)
	tb := int(math.Floor(float64(release.Unix()) / 86400 / 1000))

	tests := []struct {
		name string
		sig  ExerciseSignals
		want int
	}{
		{"empty", ExerciseSignals{}, 0},
		{"workspace", ExerciseSignals{IsWorkspace: true}, WorkspaceBonus},
		{"viewed recently", ExerciseSignals{LastViewed: now.Add(-time.Hour)}, RecentViewBonus},
		{"viewed long ago", ExerciseSignals{LastViewed: now.Add(-25 * time.Hour)}, 0},
		{"new release", ExerciseSignals{ReleaseDate: &release}, NewReleaseBonus + tb},
		{"old release keeps tiebreaker", ExerciseSignals{ReleaseDate: ptr(now.Add(-30 * 24 * time.Hour))},
			int(math.Floor(float64(now.Add(-30*24*time.Hour).Unix()) / 86400 / 1000))},
		{"future release", ExerciseSignals{ReleaseDate: ptr(now.Add(time.Hour))},
			int(math.Floor(float64(now.Add(time.Hour).Unix()) / 86400 / 1000))},
		{"due now", ExerciseSignals{DueDate: &now}, 200},
		{"due in a week", ExerciseSignals{DueDate: ptr(now.Add(7 * 24 * time.Hour))}, 170},
		{"overdue", ExerciseSignals{DueDate: ptr(now.Add(-time.Hour))}, 0},
		{"full score", ExerciseSignals{ScorePercent: ptr(100.0)}, -FullScorePenalty},
		{"partial score", ExerciseSignals{ScorePercent: ptr(99.5)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Exercise(tt.sig, now); got != tt.want {
				t.Errorf("Exercise() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExercise_WorkspaceAlwaysFirst(t *testing.T) {
	base := ExerciseSignals{
		ReleaseDate: ptr(now.Add(-24 * time.Hour)),
		DueDate:     ptr(now.Add(24 * time.Hour)),
		LastViewed:  now.Add(-time.Minute),
	}
	ws := base
	ws.IsWorkspace = true
	pa, pb := Exercise(ws, now), Exercise(base, now)
	if !Less(pa, ws.LastViewed, pb, base.LastViewed) {
		t.Errorf("workspace exercise (%d) does not sort before non-workspace (%d)", pa, pb)
	}
}

func TestCourse(t *testing.T) {
	viewed := now.Add(-2 * time.Hour)
	tb := int(math.Floor(float64(viewed.Unix()) / 86400 / 1000))
	if got := Course(CourseSignals{LastViewed: viewed}, now); got != CourseViewBonus+tb {
		t.Errorf("Course(recent) = %d, want %d", got, CourseViewBonus+tb)
	}
	old := now.Add(-72 * time.Hour)
	tbOld := int(math.Floor(float64(old.Unix()) / 86400 / 1000))
	if got := Course(CourseSignals{LastViewed: old}, now); got != tbOld {
		t.Errorf("Course(old) = %d, want %d", got, tbOld)
	}
	if got := Course(CourseSignals{}, now); got != 0 {
		t.Errorf("Course(zero) = %d, want 0", got)
	}
}

func TestCompareSortOrder(t *testing.T) {
	type entry struct {
		id string
		p  int
		v  time.Time
	}
	entries := []entry{
		{"low", 10, now},
		{"high-old", 50, now.Add(-time.Hour)},
		{"high-new", 50, now},
	}
	slices.SortFunc(entries, func(a, b entry) int { return Compare(a.p, a.v, b.p, b.v) })
	want := []string{"high-new", "high-old", "low"}
	for i, id := range want {
		if entries[i].id != id {
			t.Errorf("entries[%d] = %s, want %s", i, entries[i].id, id)
		}
	}
}
