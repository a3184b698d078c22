package contextstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// stateVersion is bumped when the document schema changes. decodeState
// migrates older documents and loads newer ones best-effort.
//
// Version 1 stored sessions as one flat list and had no course lists.
const stateVersion = 2

// state is the persisted document. It is always written wholesale.
type state struct {
	Version          int                        `json:"version"`
	ActiveContext    *ActiveContext             `json:"activeContext,omitempty"`
	CurrentSessionID string                     `json:"currentSessionId,omitempty"`
	RecentExercises  []TrackedExercise          `json:"recentExercises"`
	AllExercises     []TrackedExercise          `json:"allExercises"`
	RecentCourses    []TrackedCourse            `json:"recentCourses"`
	AllCourses       []TrackedCourse            `json:"allCourses"`
	Sessions         map[string][]StoredSession `json:"sessions"`
	UpdatedAt        time.Time                  `json:"updatedAt"`
}

func newState() *state {
	return &state{
		Version:         stateVersion,
		RecentExercises: []TrackedExercise{},
		AllExercises:    []TrackedExercise{},
		RecentCourses:   []TrackedCourse{},
		AllCourses:      []TrackedCourse{},
		Sessions:        make(map[string][]StoredSession),
	}
}

// decodeState parses a stored document. The returned bool reports whether a
// migration was applied and the document should be rewritten.
func decodeState(data []byte) (*state, bool, error) {
	var aux struct {
		state
		Sessions json.RawMessage `json:"sessions"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return nil, false, fmt.Errorf("parsing state: %w", err)
	}
	st := aux.state
	st.Sessions = make(map[string][]StoredSession)

	if len(aux.Sessions) > 0 && string(aux.Sessions) != "null" {
		switch aux.Sessions[0] {
		case '[':
			var flat []StoredSession
			if err := json.Unmarshal(aux.Sessions, &flat); err != nil {
				return nil, false, fmt.Errorf("parsing sessions: %w", err)
			}
			for _, s := range flat {
				st.Sessions[s.ContextKey] = append(st.Sessions[s.ContextKey], s)
			}
		default:
			if err := json.Unmarshal(aux.Sessions, &st.Sessions); err != nil {
				return nil, false, fmt.Errorf("parsing sessions: %w", err)
			}
		}
	}

	migrated := st.Version < stateVersion
	st.fillDefaults()
	return &st, migrated, nil
}

// fillDefaults repairs fields that older or hand-edited documents omit.
func (st *state) fillDefaults() {
	if st.RecentExercises == nil {
		st.RecentExercises = []TrackedExercise{}
	}
	if st.AllExercises == nil {
		st.AllExercises = append([]TrackedExercise{}, st.RecentExercises...)
	}
	if st.RecentCourses == nil {
		st.RecentCourses = []TrackedCourse{}
	}
	if st.AllCourses == nil {
		st.AllCourses = append([]TrackedCourse{}, st.RecentCourses...)
	}
	if st.Sessions == nil {
		st.Sessions = make(map[string][]StoredSession)
	}
	for key, list := range st.Sessions {
		if key == "" {
			delete(st.Sessions, key)
			continue
		}
		for i := range list {
			if list[i].ContextKey == "" {
				list[i].ContextKey = key
			}
			if list[i].Preview == "" {
				list[i].Preview = DefaultPreview
			}
			if list[i].LastActivity.IsZero() {
				list[i].LastActivity = list[i].CreatedAt
			}
		}
	}
	if st.ActiveContext != nil && !st.ActiveContext.Kind.Valid() {
		st.ActiveContext = nil
		st.CurrentSessionID = ""
	}
}

func encodeState(st *state) ([]byte, error) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling state: %w", err)
	}
	return append(data, '\n'), nil
}
