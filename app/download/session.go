// Package download runs the chapter PDF pipeline: admission, ordered
// fetch and transcode of the page images, streaming assembly, and the
// usage commit that follows a finished stream.
package download

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"example/manga-api/app/models"
	"example/manga-api/app/quota"
)

type State int

const (
	StateAdmitted State = iota
	StateStreaming
	StateCompleted
	StateCommitted
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCommitted:
		return "committed"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Committed is only reachable from Completed.
var transitions = map[State][]State{
	StateAdmitted:  {StateStreaming, StateAbandoned},
	StateStreaming: {StateCompleted, StateAbandoned},
	StateCompleted: {StateCommitted},
}

var (
	ErrAbandoned         = errors.New("download abandoned before completion")
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Session tracks one admitted download from admission to commit.
type Session struct {
	ID        string
	Admission quota.Admission
	Manga     models.Manga
	Chapter   models.Chapter
	StartedAt time.Time

	mu      sync.Mutex
	state   State
	pages   int
	skipped int
}

func newSession(adm quota.Admission, m models.Manga, ch models.Chapter) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Admission: adm,
		Manga:     m,
		Chapter:   ch,
		StartedAt: time.Now(),
		state:     StateAdmitted,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pages reports pages written and images skipped so far.
func (s *Session) Pages() (written, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages, s.skipped
}

func (s *Session) advance(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, next := range transitions[s.state] {
		if next == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
}

func (s *Session) record(written, skipped int) {
	s.mu.Lock()
	s.pages, s.skipped = written, skipped
	s.mu.Unlock()
}

// Filename is the attachment name announced before streaming begins.
func (s *Session) Filename() string {
	return Filename(s.Manga.Title, s.Chapter.IndexLabel())
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9]`)

// Filename replaces every character outside [A-Za-z0-9] in title with '-'.
func Filename(title, chapterIndex string) string {
	return unsafeFilenameChars.ReplaceAllString(title, "-") + "-Ch" + chapterIndex + ".pdf"
}
