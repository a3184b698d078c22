package ws

import (
	"time"

	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
	"github.com/ls1intum/artemis-extension-sub001/internal/view"
)

// WSMessage is one frame sent to view clients. Type is one of the
// view.Event* names.
type WSMessage struct {
	Type    view.EventType `json:"type"`
	Payload any            `json:"payload,omitempty"`
}

type MessagesPayload struct {
	Messages []remote.Message `json:"messages"`
}

type ConnectionPayload struct {
	Connected bool `json:"connected"`
}

// Request bodies of the intent endpoints.

type selectRequest struct {
	Kind contextstore.Kind `json:"kind"`
	ID   int64             `json:"id"`
}

type idRequest struct {
	ID int64 `json:"id"`
}

type sessionRequest struct {
	ID string `json:"id"`
}

type sendRequest struct {
	Text        string              `json:"text"`
	Attachments []remote.Attachment `json:"attachments,omitempty"`
}

type helpfulRequest struct {
	MessageID int64 `json:"messageId"`
	Helpful   bool  `json:"helpful"`
}

type exerciseRequest struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	ShortName     string     `json:"shortName,omitempty"`
	CourseID      int64      `json:"courseId,omitempty"`
	ReleaseDate   *time.Time `json:"releaseDate,omitempty"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
	IsWorkspace   *bool      `json:"isWorkspace,omitempty"`
	RepositoryURL string     `json:"repositoryUrl,omitempty"`
	ScorePercent  *float64   `json:"scorePercent,omitempty"`
	Source        string     `json:"source,omitempty"`
}

type courseRequest struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	ShortName string `json:"shortName,omitempty"`
	Source    string `json:"source,omitempty"`
}

// parseSource maps an optional wire name; registrations coming from the view
// default to system-default.
func parseSource(name string) (contextstore.Source, bool) {
	if name == "" {
		return contextstore.SourceSystemDefault, true
	}
	return contextstore.ParseSource(name)
}

func (r exerciseRequest) input() (contextstore.ExerciseInput, bool) {
	src, ok := parseSource(r.Source)
	return contextstore.ExerciseInput{
		ID:            r.ID,
		Title:         r.Title,
		ShortName:     r.ShortName,
		CourseID:      r.CourseID,
		ReleaseDate:   r.ReleaseDate,
		DueDate:       r.DueDate,
		IsWorkspace:   r.IsWorkspace,
		RepositoryURL: r.RepositoryURL,
		ScorePercent:  r.ScorePercent,
		Source:        src,
	}, ok
}

func (r courseRequest) input() (contextstore.CourseInput, bool) {
	src, ok := parseSource(r.Source)
	return contextstore.CourseInput{ID: r.ID, Title: r.Title, ShortName: r.ShortName, Source: src}, ok
}
