// Package contextstore is the persistent local cache of learning contexts and
// conversation sessions. It tracks the active context, the exercises and
// courses the user has visited, and the sessions kept per context.
//
// Every mutation rewrites the whole document through a persist.Backend.
// Mutations are serialized by the cache; Batch groups several of them so a
// caller can check a precondition and mutate without interleaving.
package contextstore

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ls1intum/artemis-extension-sub001/internal/persist"
)

var (
	ErrNoActiveContext = errors.New("no active context")
	ErrUnknownSession  = errors.New("unknown session")
	ErrUnknownContext  = errors.New("unknown context")
)

// Limits bounds the tracked history.
type Limits struct {
	RecentExercises  int
	RecentCourses    int
	DisplayExercises int
	DisplayCourses   int
	MaxExercises     int
	MaxCourses       int
}

// DefaultLimits returns the history bounds used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		RecentExercises:  50,
		RecentCourses:    30,
		DisplayExercises: 5,
		DisplayCourses:   3,
		MaxExercises:     1000,
		MaxCourses:       400,
	}
}

// Options configures a Cache. Zero values select defaults.
type Options struct {
	Backend persist.Backend
	Limits  Limits
	Now     func() time.Time
	NewID   func() string
	Logger  *zap.Logger
}

// Cache is the local context cache. One instance exists per active editing
// session; it is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	st      *state
	backend persist.Backend
	limits  Limits
	now     func() time.Time
	newID   func() string
	log     *zap.Logger
}

// New loads the stored document from the backend. A missing document yields
// an empty cache; an unreadable one is logged and replaced.
func New(opts Options) (*Cache, error) {
	c := &Cache{
		backend: opts.Backend,
		limits:  opts.Limits,
		now:     opts.Now,
		newID:   opts.NewID,
		log:     opts.Logger,
	}
	if c.backend == nil {
		c.backend = persist.NewMemoryBackend()
	}
	if c.limits == (Limits{}) {
		c.limits = DefaultLimits()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}

	data, err := c.backend.Load()
	if err != nil {
		return nil, err
	}
	c.st = newState()
	if data == nil {
		return c, nil
	}

	st, migrated, err := decodeState(data)
	if err != nil {
		c.log.Warn("discarding unreadable state document", zap.Error(err))
		return c, nil
	}
	c.st = st
	if migrated {
		c.log.Info("migrated state document", zap.Int("version", stateVersion))
		c.persistLocked()
	}
	return c, nil
}

// Batch runs fn with exclusive access to the cache and persists once
// afterwards if anything changed. Mutations made before fn returns an error
// are kept.
func (c *Cache) Batch(fn func(tx *Tx) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx := &Tx{c: c, st: c.st, now: c.now()}
	err := fn(tx)
	if tx.dirty {
		c.persistLocked()
	}
	return err
}

func (c *Cache) read(fn func(tx *Tx)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(&Tx{c: c, st: c.st, now: c.now(), readOnly: true})
}

func (c *Cache) persistLocked() {
	c.st.Version = stateVersion
	c.st.UpdatedAt = c.now().UTC()
	data, err := encodeState(c.st)
	if err != nil {
		c.log.Error("encoding state", zap.Error(err))
		return
	}
	if err := c.backend.Save(data); err != nil {
		c.log.Error("saving state", zap.Error(err))
	}
}

// RegisterExercise upserts an exercise. It reports whether the active context
// changed as a result.
func (c *Cache) RegisterExercise(in ExerciseInput) (TrackedExercise, bool) {
	var (
		out     TrackedExercise
		changed bool
	)
	c.Batch(func(tx *Tx) error {
		out, changed = tx.RegisterExercise(in)
		return nil
	})
	return out, changed
}

// RegisterCourse upserts a course. It reports whether the active context
// changed as a result.
func (c *Cache) RegisterCourse(in CourseInput) (TrackedCourse, bool) {
	var (
		out     TrackedCourse
		changed bool
	)
	c.Batch(func(tx *Tx) error {
		out, changed = tx.RegisterCourse(in)
		return nil
	})
	return out, changed
}

func (c *Cache) SetActiveContext(ac ActiveContext) {
	c.Batch(func(tx *Tx) error {
		tx.SetActiveContext(ac)
		return nil
	})
}

// SelectContext activates a tracked exercise or course as a user selection.
func (c *Cache) SelectContext(kind Kind, id int64) (ActiveContext, error) {
	var out ActiveContext
	err := c.Batch(func(tx *Tx) error {
		var err error
		out, err = tx.SelectContext(kind, id)
		return err
	})
	return out, err
}

func (c *Cache) UnlockActiveContext() {
	c.Batch(func(tx *Tx) error {
		tx.UnlockActiveContext()
		return nil
	})
}

func (c *Cache) ClearActiveContext() {
	c.Batch(func(tx *Tx) error {
		tx.ClearActiveContext()
		return nil
	})
}

// CreateSession starts a new conversation in the active context and makes it
// current. It returns false when no context is active.
func (c *Cache) CreateSession(preview string) (StoredSession, bool) {
	var (
		out StoredSession
		ok  bool
	)
	c.Batch(func(tx *Tx) error {
		out, ok = tx.CreateSession(preview)
		return nil
	})
	return out, ok
}

// SwitchSession makes id current if it belongs to the active context.
func (c *Cache) SwitchSession(id string) bool {
	var ok bool
	c.Batch(func(tx *Tx) error {
		ok = tx.SwitchSession(id)
		return nil
	})
	return ok
}

// RemoveSession deletes a conversation of the active context.
func (c *Cache) RemoveSession(id string) bool {
	var ok bool
	c.Batch(func(tx *Tx) error {
		ok = tx.RemoveSession(id)
		return nil
	})
	return ok
}

func (c *Cache) IncrementActiveSessionMessageCount() {
	c.Batch(func(tx *Tx) error {
		tx.IncrementActiveSessionMessageCount()
		return nil
	})
}

// RecordUserMessage counts a sent user message and sets the session preview
// from it if the preview is still the default.
func (c *Cache) RecordUserMessage(text string) {
	c.Batch(func(tx *Tx) error {
		tx.RecordUserMessage(text)
		return nil
	})
}

func (c *Cache) BindRemoteSession(localID string, remoteID int64) bool {
	var ok bool
	c.Batch(func(tx *Tx) error {
		ok = tx.BindRemoteSession(localID, remoteID)
		return nil
	})
	return ok
}

func (c *Cache) ClearRemoteSession(localID string) bool {
	var ok bool
	c.Batch(func(tx *Tx) error {
		ok = tx.ClearRemoteSession(localID)
		return nil
	})
	return ok
}

// RemoveExercise purges an exercise from the history. It reports whether the
// active context changed.
func (c *Cache) RemoveExercise(id int64) bool {
	var changed bool
	c.Batch(func(tx *Tx) error {
		changed = tx.RemoveExercise(id)
		return nil
	})
	return changed
}

// RemoveCourse purges a course from the history. It reports whether the
// active context changed.
func (c *Cache) RemoveCourse(id int64) bool {
	var changed bool
	c.Batch(func(tx *Tx) error {
		changed = tx.RemoveCourse(id)
		return nil
	})
	return changed
}

func (c *Cache) ClearAllSessions() {
	c.Batch(func(tx *Tx) error {
		tx.ClearAllSessions()
		return nil
	})
}

func (c *Cache) ClearAll() {
	c.Batch(func(tx *Tx) error {
		tx.ClearAll()
		return nil
	})
}

// ActiveContext returns a copy of the active context, if any.
func (c *Cache) ActiveContext() (ActiveContext, bool) {
	var (
		out ActiveContext
		ok  bool
	)
	c.read(func(tx *Tx) {
		if ac := tx.ActiveContext(); ac != nil {
			out, ok = *ac, true
		}
	})
	return out, ok
}

// ActiveSession returns a copy of the current session of the active context.
func (c *Cache) ActiveSession() (StoredSession, bool) {
	var (
		out StoredSession
		ok  bool
	)
	c.read(func(tx *Tx) {
		out, ok = tx.ActiveSession()
	})
	return out, ok
}

// Session looks up any stored session by local id.
func (c *Cache) Session(id string) (StoredSession, bool) {
	var (
		out StoredSession
		ok  bool
	)
	c.read(func(tx *Tx) {
		out, ok = tx.Session(id)
	})
	return out, ok
}

// Snapshot returns the current projection of the cache.
func (c *Cache) Snapshot() Snapshot {
	var out Snapshot
	c.read(func(tx *Tx) {
		out = tx.Snapshot()
	})
	return out
}
