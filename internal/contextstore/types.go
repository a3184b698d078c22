package contextstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultPreview is shown for a conversation before its first user message.
const DefaultPreview = "New conversation"

// previewLimit is the number of characters of the first user message kept as
// a session preview.
const previewLimit = 50

// Kind distinguishes the two learning context types.
type Kind string

const (
	KindExercise Kind = "exercise"
	KindCourse   Kind = "course"
)

func (k Kind) Valid() bool {
	return k == KindExercise || k == KindCourse
}

// Key builds the context key ("exercise:42") sessions are grouped by.
func Key(kind Kind, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

// Source records how the active context was chosen.
type Source int

const (
	SourceUserSelected Source = iota
	SourceWorkspace
	SourceSystemDefault
)

var sourceNames = map[Source]string{
	SourceUserSelected:  "user-selected",
	SourceWorkspace:     "workspace-detected",
	SourceSystemDefault: "system-default",
}

var sourceFromName = map[string]Source{
	"user-selected":      SourceUserSelected,
	"workspace-detected": SourceWorkspace,
	"system-default":     SourceSystemDefault,
}

func (s Source) String() string {
	if n, ok := sourceNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseSource maps a wire name back to a Source.
func ParseSource(name string) (Source, bool) {
	s, ok := sourceFromName[name]
	return s, ok
}

func (s Source) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Source) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := sourceFromName[name]; ok {
		*s = v
	}
	return nil
}

// TrackedExercise is an exercise the user has opened or that was detected in
// the workspace.
type TrackedExercise struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	ShortName     string     `json:"shortName,omitempty"`
	CourseID      int64      `json:"courseId,omitempty"`
	LastViewed    time.Time  `json:"lastViewed"`
	Priority      int        `json:"priority"`
	ReleaseDate   *time.Time `json:"releaseDate,omitempty"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
	IsWorkspace   bool       `json:"isWorkspace,omitempty"`
	RepositoryURL string     `json:"repositoryUrl,omitempty"`
	ScorePercent  *float64   `json:"scorePercent,omitempty"`
}

func (e TrackedExercise) clone() TrackedExercise {
	if e.ReleaseDate != nil {
		t := *e.ReleaseDate
		e.ReleaseDate = &t
	}
	if e.DueDate != nil {
		t := *e.DueDate
		e.DueDate = &t
	}
	if e.ScorePercent != nil {
		v := *e.ScorePercent
		e.ScorePercent = &v
	}
	return e
}

// TrackedCourse is a course the user has opened.
type TrackedCourse struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	ShortName  string    `json:"shortName,omitempty"`
	LastViewed time.Time `json:"lastViewed"`
	Priority   int       `json:"priority"`
}

// ExerciseInput registers or updates an exercise. Zero-valued strings and nil
// pointers are treated as absent and keep the previously stored value.
type ExerciseInput struct {
	ID            int64
	Title         string
	ShortName     string
	CourseID      int64
	ReleaseDate   *time.Time
	DueDate       *time.Time
	IsWorkspace   *bool
	RepositoryURL string
	ScorePercent  *float64
	Source        Source
}

// CourseInput registers or updates a course.
type CourseInput struct {
	ID        int64
	Title     string
	ShortName string
	Source    Source
}

// ActiveContext is the exercise or course the assistant is scoped to.
type ActiveContext struct {
	Kind       Kind      `json:"type"`
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	ShortName  string    `json:"shortName,omitempty"`
	Source     Source    `json:"source"`
	Locked     bool      `json:"locked"`
	SelectedAt time.Time `json:"selectedAt"`
}

// Key returns the context key of the active context.
func (a ActiveContext) Key() string {
	return Key(a.Kind, a.ID)
}

// StoredSession is one locally tracked conversation.
type StoredSession struct {
	ID              string    `json:"id"`
	ContextKey      string    `json:"contextKey"`
	Preview         string    `json:"preview"`
	MessageCount    int       `json:"messageCount"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivity    time.Time `json:"lastActivity"`
	RemoteSessionID *int64    `json:"remoteSessionId,omitempty"`
}

// HasRemote reports whether the session is bound to a remote conversation.
func (s StoredSession) HasRemote() bool {
	return s.RemoteSessionID != nil
}

// Clone returns a copy that can be mutated independently of the original.
func (s StoredSession) Clone() StoredSession {
	if s.RemoteSessionID != nil {
		v := *s.RemoteSessionID
		s.RemoteSessionID = &v
	}
	return s
}

// Preview truncates text to the preview length, falling back to
// DefaultPreview for empty input.
func Preview(text string) string {
	r := []rune(text)
	if len(r) == 0 {
		return DefaultPreview
	}
	if len(r) > previewLimit {
		r = r[:previewLimit]
	}
	return string(r)
}

// Snapshot is a read-only projection of the cache, recomputed on every query.
type Snapshot struct {
	ActiveContext   *ActiveContext    `json:"activeContext"`
	ActiveSession   *StoredSession    `json:"activeSession"`
	Sessions        []StoredSession   `json:"sessions"`
	RecentExercises []TrackedExercise `json:"recentExercises"`
	AllExercises    []TrackedExercise `json:"allExercises"`
	RecentCourses   []TrackedCourse   `json:"recentCourses"`
	AllCourses      []TrackedCourse   `json:"allCourses"`
}
