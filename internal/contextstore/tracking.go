package contextstore

import (
	"slices"
	"time"

	"github.com/ls1intum/artemis-extension-sub001/internal/ranking"
)

func exercisePriority(e TrackedExercise, now time.Time) int {
	return ranking.Exercise(ranking.ExerciseSignals{
		IsWorkspace:  e.IsWorkspace,
		ReleaseDate:  e.ReleaseDate,
		DueDate:      e.DueDate,
		LastViewed:   e.LastViewed,
		ScorePercent: e.ScorePercent,
	}, now)
}

func coursePriority(c TrackedCourse, now time.Time) int {
	return ranking.Course(ranking.CourseSignals{LastViewed: c.LastViewed}, now)
}

func compareExercises(a, b TrackedExercise) int {
	return ranking.Compare(a.Priority, a.LastViewed, b.Priority, b.LastViewed)
}

func compareCourses(a, b TrackedCourse) int {
	return ranking.Compare(a.Priority, a.LastViewed, b.Priority, b.LastViewed)
}

func findExercise(list []TrackedExercise, id int64) *TrackedExercise {
	for i := range list {
		if list[i].ID == id {
			return &list[i]
		}
	}
	return nil
}

func findCourse(list []TrackedCourse, id int64) *TrackedCourse {
	for i := range list {
		if list[i].ID == id {
			return &list[i]
		}
	}
	return nil
}

// mergeExercise overlays the present fields of in onto prev.
func mergeExercise(prev TrackedExercise, in ExerciseInput) TrackedExercise {
	e := prev.clone()
	e.ID = in.ID
	if in.Title != "" {
		e.Title = in.Title
	}
	if in.ShortName != "" {
		e.ShortName = in.ShortName
	}
	if in.CourseID != 0 {
		e.CourseID = in.CourseID
	}
	if in.ReleaseDate != nil {
		t := *in.ReleaseDate
		e.ReleaseDate = &t
	}
	if in.DueDate != nil {
		t := *in.DueDate
		e.DueDate = &t
	}
	if in.IsWorkspace != nil {
		e.IsWorkspace = *in.IsWorkspace
	}
	if in.RepositoryURL != "" {
		e.RepositoryURL = in.RepositoryURL
	}
	if in.ScorePercent != nil {
		v := *in.ScorePercent
		e.ScorePercent = &v
	}
	return e
}

func mergeCourse(prev TrackedCourse, in CourseInput) TrackedCourse {
	c := prev
	c.ID = in.ID
	if in.Title != "" {
		c.Title = in.Title
	}
	if in.ShortName != "" {
		c.ShortName = in.ShortName
	}
	return c
}

func prependExercise(list []TrackedExercise, e TrackedExercise) []TrackedExercise {
	list = slices.DeleteFunc(list, func(x TrackedExercise) bool { return x.ID == e.ID })
	return append([]TrackedExercise{e}, list...)
}

func prependCourse(list []TrackedCourse, c TrackedCourse) []TrackedCourse {
	list = slices.DeleteFunc(list, func(x TrackedCourse) bool { return x.ID == c.ID })
	return append([]TrackedCourse{c}, list...)
}

// RegisterExercise upserts an exercise into both history views and applies
// the context selection rules. It reports whether the active context changed.
func (tx *Tx) RegisterExercise(in ExerciseInput) (TrackedExercise, bool) {
	tx.touch()
	var prev TrackedExercise
	if p := findExercise(tx.st.AllExercises, in.ID); p != nil {
		prev = *p
	} else if p := findExercise(tx.st.RecentExercises, in.ID); p != nil {
		prev = *p
	}

	e := mergeExercise(prev, in)
	if in.Source == SourceWorkspace && in.IsWorkspace == nil {
		e.IsWorkspace = true
	}
	if e.IsWorkspace {
		tx.clearWorkspaceFlags(e.ID)
	}
	e.LastViewed = tx.now
	e.Priority = exercisePriority(e, tx.now)

	tx.st.AllExercises = prependExercise(tx.st.AllExercises, e)
	tx.st.RecentExercises = prependExercise(tx.st.RecentExercises, e.clone())
	tx.trimExercises()

	ac := ActiveContext{Kind: KindExercise, ID: e.ID, Title: e.Title, ShortName: e.ShortName}
	return e.clone(), tx.afterRegister(ac, in.Source)
}

// RegisterCourse upserts a course into both history views and applies the
// context selection rules. It reports whether the active context changed.
func (tx *Tx) RegisterCourse(in CourseInput) (TrackedCourse, bool) {
	tx.touch()
	var prev TrackedCourse
	if p := findCourse(tx.st.AllCourses, in.ID); p != nil {
		prev = *p
	} else if p := findCourse(tx.st.RecentCourses, in.ID); p != nil {
		prev = *p
	}

	c := mergeCourse(prev, in)
	c.LastViewed = tx.now
	c.Priority = coursePriority(c, tx.now)

	tx.st.AllCourses = prependCourse(tx.st.AllCourses, c)
	tx.st.RecentCourses = prependCourse(tx.st.RecentCourses, c)
	tx.trimCourses()

	ac := ActiveContext{Kind: KindCourse, ID: c.ID, Title: c.Title, ShortName: c.ShortName}
	return c, tx.afterRegister(ac, in.Source)
}

func (tx *Tx) clearWorkspaceFlags(except int64) {
	for _, list := range [][]TrackedExercise{tx.st.AllExercises, tx.st.RecentExercises} {
		for i := range list {
			if list[i].ID != except && list[i].IsWorkspace {
				list[i].IsWorkspace = false
				list[i].Priority = exercisePriority(list[i], tx.now)
			}
		}
	}
}

func (tx *Tx) afterRegister(registered ActiveContext, source Source) bool {
	prevKey := tx.ActiveKey()
	cur := tx.st.ActiveContext

	switch {
	case source == SourceWorkspace:
		registered.Source = SourceWorkspace
		registered.Locked = true
		tx.SetActiveContext(registered)
	case cur == nil:
		tx.autoSelect()
	case cur.Key() == registered.Key():
		cur.Title = registered.Title
		cur.ShortName = registered.ShortName
	case cur.Source == SourceSystemDefault && !cur.Locked:
		tx.reselect()
	}
	return tx.ActiveKey() != prevKey
}

// topExercise returns the best ranked exercise of the recent view.
func (tx *Tx) topExercise() (TrackedExercise, bool) {
	if len(tx.st.RecentExercises) == 0 {
		return TrackedExercise{}, false
	}
	ranked := tx.rankedExercises(tx.st.RecentExercises)
	return ranked[0], true
}

func (tx *Tx) topCourse() (TrackedCourse, bool) {
	if len(tx.st.RecentCourses) == 0 {
		return TrackedCourse{}, false
	}
	ranked := tx.rankedCourses(tx.st.RecentCourses)
	return ranked[0], true
}

// autoSelect picks the top ranked exercise, or the top ranked course when no
// exercise is tracked, as an unlocked system default. With nothing tracked
// the context stays empty.
func (tx *Tx) autoSelect() {
	if e, ok := tx.topExercise(); ok {
		tx.SetActiveContext(ActiveContext{
			Kind: KindExercise, ID: e.ID, Title: e.Title, ShortName: e.ShortName,
			Source: SourceSystemDefault,
		})
		return
	}
	if c, ok := tx.topCourse(); ok {
		tx.SetActiveContext(ActiveContext{
			Kind: KindCourse, ID: c.ID, Title: c.Title, ShortName: c.ShortName,
			Source: SourceSystemDefault,
		})
	}
}

// reselect replaces an unlocked system default with whichever of the top
// exercise and top course scores higher. Exercises win ties.
func (tx *Tx) reselect() {
	e, hasE := tx.topExercise()
	c, hasC := tx.topCourse()

	var next ActiveContext
	switch {
	case hasE && (!hasC || e.Priority >= c.Priority):
		next = ActiveContext{Kind: KindExercise, ID: e.ID, Title: e.Title, ShortName: e.ShortName}
	case hasC:
		next = ActiveContext{Kind: KindCourse, ID: c.ID, Title: c.Title, ShortName: c.ShortName}
	default:
		return
	}
	if next.Key() == tx.ActiveKey() {
		return
	}
	next.Source = SourceSystemDefault
	tx.SetActiveContext(next)
}

// rankedExercises returns copies with priorities recomputed at tx.now, in
// rank order. Identity and order of the input are untouched.
func (tx *Tx) rankedExercises(list []TrackedExercise) []TrackedExercise {
	out := make([]TrackedExercise, len(list))
	for i, e := range list {
		e = e.clone()
		e.Priority = exercisePriority(e, tx.now)
		out[i] = e
	}
	slices.SortStableFunc(out, compareExercises)
	return out
}

func (tx *Tx) rankedCourses(list []TrackedCourse) []TrackedCourse {
	out := make([]TrackedCourse, len(list))
	for i, c := range list {
		c.Priority = coursePriority(c, tx.now)
		out[i] = c
	}
	slices.SortStableFunc(out, compareCourses)
	return out
}

// trimExercises keeps the best ranked entries of the recent view and the
// most recently viewed entries of the full history.
func (tx *Tx) trimExercises() {
	lim := tx.c.limits
	recent := tx.st.RecentExercises
	for i := range recent {
		recent[i].Priority = exercisePriority(recent[i], tx.now)
	}
	if lim.RecentExercises > 0 && len(recent) > lim.RecentExercises {
		ranked := slices.Clone(recent)
		slices.SortStableFunc(ranked, compareExercises)
		keep := make(map[int64]bool, lim.RecentExercises)
		for _, e := range ranked[:lim.RecentExercises] {
			keep[e.ID] = true
		}
		tx.st.RecentExercises = slices.DeleteFunc(recent, func(e TrackedExercise) bool { return !keep[e.ID] })
	}
	if lim.MaxExercises > 0 && len(tx.st.AllExercises) > lim.MaxExercises {
		slices.SortStableFunc(tx.st.AllExercises, func(a, b TrackedExercise) int {
			return b.LastViewed.Compare(a.LastViewed)
		})
		tx.st.AllExercises = tx.st.AllExercises[:lim.MaxExercises]
	}
}

func (tx *Tx) trimCourses() {
	lim := tx.c.limits
	recent := tx.st.RecentCourses
	for i := range recent {
		recent[i].Priority = coursePriority(recent[i], tx.now)
	}
	if lim.RecentCourses > 0 && len(recent) > lim.RecentCourses {
		ranked := slices.Clone(recent)
		slices.SortStableFunc(ranked, compareCourses)
		keep := make(map[int64]bool, lim.RecentCourses)
		for _, c := range ranked[:lim.RecentCourses] {
			keep[c.ID] = true
		}
		tx.st.RecentCourses = slices.DeleteFunc(recent, func(c TrackedCourse) bool { return !keep[c.ID] })
	}
	if lim.MaxCourses > 0 && len(tx.st.AllCourses) > lim.MaxCourses {
		slices.SortStableFunc(tx.st.AllCourses, func(a, b TrackedCourse) int {
			return b.LastViewed.Compare(a.LastViewed)
		})
		tx.st.AllCourses = tx.st.AllCourses[:lim.MaxCourses]
	}
}

// RemoveExercise purges an exercise from both views. Removing the active
// context clears it and runs auto-selection. Stored sessions are kept.
func (tx *Tx) RemoveExercise(id int64) bool {
	tx.touch()
	match := func(e TrackedExercise) bool { return e.ID == id }
	tx.st.AllExercises = slices.DeleteFunc(tx.st.AllExercises, match)
	tx.st.RecentExercises = slices.DeleteFunc(tx.st.RecentExercises, match)
	return tx.afterRemove(Key(KindExercise, id))
}

func (tx *Tx) RemoveCourse(id int64) bool {
	tx.touch()
	match := func(c TrackedCourse) bool { return c.ID == id }
	tx.st.AllCourses = slices.DeleteFunc(tx.st.AllCourses, match)
	tx.st.RecentCourses = slices.DeleteFunc(tx.st.RecentCourses, match)
	return tx.afterRemove(Key(KindCourse, id))
}

func (tx *Tx) afterRemove(key string) bool {
	if tx.ActiveKey() != key {
		return false
	}
	tx.ClearActiveContext()
	tx.autoSelect()
	return true
}
