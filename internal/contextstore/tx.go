package contextstore

import (
	"slices"
	"time"

	"go.uber.org/zap"
)

// Tx gives exclusive access to the cache inside Batch. It must not be
// retained after the callback returns.
type Tx struct {
	c        *Cache
	st       *state
	now      time.Time
	dirty    bool
	readOnly bool
}

func (tx *Tx) touch() {
	if tx.readOnly {
		panic("contextstore: mutation through read-only transaction")
	}
	tx.dirty = true
}

// Now is the time the transaction started; all timestamps written by the
// transaction use it.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// ActiveContext returns the active context or nil. The pointer is only valid
// inside the transaction.
func (tx *Tx) ActiveContext() *ActiveContext {
	return tx.st.ActiveContext
}

// ActiveKey returns the active context key, or "" if none is active.
func (tx *Tx) ActiveKey() string {
	if tx.st.ActiveContext == nil {
		return ""
	}
	return tx.st.ActiveContext.Key()
}

// Sessions returns copies of the sessions stored for a context key, most
// recent first.
func (tx *Tx) Sessions(key string) []StoredSession {
	list := tx.st.Sessions[key]
	out := make([]StoredSession, len(list))
	for i, s := range list {
		out[i] = s.Clone()
	}
	return out
}

// Session looks up a session by local id across all contexts.
func (tx *Tx) Session(id string) (StoredSession, bool) {
	if s := tx.findSession(id); s != nil {
		return s.Clone(), true
	}
	return StoredSession{}, false
}

func (tx *Tx) findSession(id string) *StoredSession {
	if id == "" {
		return nil
	}
	for key := range tx.st.Sessions {
		list := tx.st.Sessions[key]
		for i := range list {
			if list[i].ID == id {
				return &list[i]
			}
		}
	}
	return nil
}

// activeSessionRef resolves the current session pointer against the active
// context. A pointer into another context is an invariant violation; the
// active context wins and its first session is used instead.
func (tx *Tx) activeSessionRef() *StoredSession {
	key := tx.ActiveKey()
	if key == "" {
		return nil
	}
	list := tx.st.Sessions[key]
	for i := range list {
		if list[i].ID == tx.st.CurrentSessionID {
			return &list[i]
		}
	}
	if tx.st.CurrentSessionID != "" {
		if s := tx.findSession(tx.st.CurrentSessionID); s != nil {
			tx.c.log.Warn("current session belongs to another context",
				zap.String("session", s.ID),
				zap.String("sessionContext", s.ContextKey),
				zap.String("activeContext", key))
		}
	}
	if len(list) > 0 {
		return &list[0]
	}
	return nil
}

// ActiveSession returns the current session of the active context.
func (tx *Tx) ActiveSession() (StoredSession, bool) {
	if s := tx.activeSessionRef(); s != nil {
		return s.Clone(), true
	}
	return StoredSession{}, false
}

// SetActiveContext replaces the active context and makes sure it has a
// session. The current session pointer is reset when the context key changes.
func (tx *Tx) SetActiveContext(ac ActiveContext) {
	tx.touch()
	prevKey := tx.ActiveKey()
	ac.SelectedAt = tx.now
	tx.st.ActiveContext = &ac
	if ac.Key() != prevKey {
		tx.st.CurrentSessionID = ""
	}
	tx.ensureSession()
}

// SelectContext activates a tracked entity as an explicit user choice, which
// locks it against automatic reselection.
func (tx *Tx) SelectContext(kind Kind, id int64) (ActiveContext, error) {
	ac, ok := tx.lookupContext(kind, id)
	if !ok {
		return ActiveContext{}, ErrUnknownContext
	}
	ac.Source = SourceUserSelected
	ac.Locked = true
	tx.SetActiveContext(ac)
	return *tx.st.ActiveContext, nil
}

func (tx *Tx) lookupContext(kind Kind, id int64) (ActiveContext, bool) {
	switch kind {
	case KindExercise:
		if e := findExercise(tx.st.AllExercises, id); e != nil {
			return ActiveContext{Kind: kind, ID: id, Title: e.Title, ShortName: e.ShortName}, true
		}
		if e := findExercise(tx.st.RecentExercises, id); e != nil {
			return ActiveContext{Kind: kind, ID: id, Title: e.Title, ShortName: e.ShortName}, true
		}
	case KindCourse:
		if c := findCourse(tx.st.AllCourses, id); c != nil {
			return ActiveContext{Kind: kind, ID: id, Title: c.Title, ShortName: c.ShortName}, true
		}
		if c := findCourse(tx.st.RecentCourses, id); c != nil {
			return ActiveContext{Kind: kind, ID: id, Title: c.Title, ShortName: c.ShortName}, true
		}
	}
	return ActiveContext{}, false
}

func (tx *Tx) UnlockActiveContext() {
	if tx.st.ActiveContext == nil || !tx.st.ActiveContext.Locked {
		return
	}
	tx.touch()
	tx.st.ActiveContext.Locked = false
}

// ClearActiveContext drops the active context and the current session
// pointer. Stored sessions are kept.
func (tx *Tx) ClearActiveContext() {
	tx.touch()
	tx.st.ActiveContext = nil
	tx.st.CurrentSessionID = ""
}

// ensureSession makes sure the active context has a current session: the
// existing pointer if valid, else the first stored session, else a new one.
func (tx *Tx) ensureSession() {
	key := tx.ActiveKey()
	if key == "" {
		return
	}
	list := tx.st.Sessions[key]
	for _, s := range list {
		if s.ID == tx.st.CurrentSessionID {
			return
		}
	}
	if len(list) > 0 {
		tx.touch()
		tx.st.CurrentSessionID = list[0].ID
		return
	}
	tx.CreateSession("")
}

// CreateSession prepends a new session to the active context and makes it
// current. It is a no-op without an active context.
func (tx *Tx) CreateSession(preview string) (StoredSession, bool) {
	key := tx.ActiveKey()
	if key == "" {
		return StoredSession{}, false
	}
	tx.touch()
	s := StoredSession{
		ID:           tx.c.newID(),
		ContextKey:   key,
		Preview:      Preview(preview),
		CreatedAt:    tx.now,
		LastActivity: tx.now,
	}
	tx.st.Sessions[key] = append([]StoredSession{s}, tx.st.Sessions[key]...)
	tx.st.CurrentSessionID = s.ID
	return s.Clone(), true
}

// SwitchSession makes id current. Ids outside the active context are ignored.
func (tx *Tx) SwitchSession(id string) bool {
	key := tx.ActiveKey()
	if key == "" {
		return false
	}
	for _, s := range tx.st.Sessions[key] {
		if s.ID == id {
			if tx.st.CurrentSessionID != id {
				tx.touch()
				tx.st.CurrentSessionID = id
			}
			return true
		}
	}
	return false
}

// RemoveSession deletes a session of the active context. If it was current,
// the next session becomes current, or a new one is created.
func (tx *Tx) RemoveSession(id string) bool {
	key := tx.ActiveKey()
	if key == "" {
		return false
	}
	list := tx.st.Sessions[key]
	idx := slices.IndexFunc(list, func(s StoredSession) bool { return s.ID == id })
	if idx < 0 {
		return false
	}
	tx.touch()
	tx.st.Sessions[key] = slices.Delete(list, idx, idx+1)
	if tx.st.CurrentSessionID == id {
		tx.st.CurrentSessionID = ""
		tx.ensureSession()
	}
	return true
}

// IncrementActiveSessionMessageCount bumps the counters of the current (or
// first) session of the active context.
func (tx *Tx) IncrementActiveSessionMessageCount() {
	s := tx.activeSessionRef()
	if s == nil {
		return
	}
	tx.touch()
	s.MessageCount++
	s.LastActivity = tx.now
}

func (tx *Tx) RecordUserMessage(text string) {
	s := tx.activeSessionRef()
	if s == nil {
		return
	}
	tx.touch()
	s.MessageCount++
	s.LastActivity = tx.now
	if s.Preview == DefaultPreview && text != "" {
		s.Preview = Preview(text)
	}
}

// BindRemoteSession maps a local session to its remote conversation. A
// mapping is set at most once; ClearRemoteSession invalidates it.
func (tx *Tx) BindRemoteSession(localID string, remoteID int64) bool {
	s := tx.findSession(localID)
	if s == nil || s.RemoteSessionID != nil {
		return false
	}
	tx.touch()
	s.RemoteSessionID = &remoteID
	return true
}

func (tx *Tx) ClearRemoteSession(localID string) bool {
	s := tx.findSession(localID)
	if s == nil || s.RemoteSessionID == nil {
		return false
	}
	tx.touch()
	s.RemoteSessionID = nil
	return true
}

// ClearSessionsForContext removes every stored session of a context. The
// current session pointer is dropped if it pointed into that context.
func (tx *Tx) ClearSessionsForContext(key string) {
	list, ok := tx.st.Sessions[key]
	if !ok {
		return
	}
	tx.touch()
	for _, s := range list {
		if s.ID == tx.st.CurrentSessionID {
			tx.st.CurrentSessionID = ""
		}
	}
	delete(tx.st.Sessions, key)
}

// ImportSession appends an already built session to its context. A missing
// id is generated.
func (tx *Tx) ImportSession(s StoredSession) StoredSession {
	tx.touch()
	if s.ID == "" {
		s.ID = tx.c.newID()
	}
	if s.Preview == "" {
		s.Preview = DefaultPreview
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = s.CreatedAt
	}
	tx.st.Sessions[s.ContextKey] = append(tx.st.Sessions[s.ContextKey], s.Clone())
	return s
}

func (tx *Tx) ClearAllSessions() {
	tx.touch()
	tx.st.Sessions = make(map[string][]StoredSession)
	tx.st.CurrentSessionID = ""
}

func (tx *Tx) ClearAll() {
	tx.touch()
	fresh := newState()
	*tx.st = *fresh
}
