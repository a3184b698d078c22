package contextstore

// Snapshot projects the state without modifying it. Priorities are
// recomputed at tx.Now(), so two snapshots taken at the same instant are
// equal.
func (tx *Tx) Snapshot() Snapshot {
	lim := tx.c.limits
	snap := Snapshot{
		Sessions:     []StoredSession{},
		AllExercises: tx.rankedExercises(tx.st.AllExercises),
		AllCourses:   tx.rankedCourses(tx.st.AllCourses),
	}

	recentEx := tx.rankedExercises(tx.st.RecentExercises)
	if lim.DisplayExercises > 0 && len(recentEx) > lim.DisplayExercises {
		recentEx = recentEx[:lim.DisplayExercises]
	}
	snap.RecentExercises = recentEx

	recentCo := tx.rankedCourses(tx.st.RecentCourses)
	if lim.DisplayCourses > 0 && len(recentCo) > lim.DisplayCourses {
		recentCo = recentCo[:lim.DisplayCourses]
	}
	snap.RecentCourses = recentCo

	if ac := tx.st.ActiveContext; ac != nil {
		cp := *ac
		snap.ActiveContext = &cp
		snap.Sessions = tx.Sessions(ac.Key())
		if s, ok := tx.ActiveSession(); ok {
			snap.ActiveSession = &s
		}
	}
	return snap
}
