package intake

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"postbot/internal/store"
)

// TimeLayout is the timestamp format the operator types in step two.
const TimeLayout = "2006-01-02 15:04"

var (
	// ErrWrongStep is returned by a transition invoked in the wrong state.
	ErrWrongStep = errors.New("unexpected form step")

	// ErrBadTime is returned when the typed timestamp does not parse; the
	// session stays on the time step so the operator can retry.
	ErrBadTime = errors.New("unrecognized time, expected YYYY-MM-DD HH:MM")

	// ErrEmptyContent is returned when step one carries neither text nor
	// media.
	ErrEmptyContent = errors.New("post needs text or media")
)

// Step is a state of the post form.
type Step int

const (
	// StepContent waits for the post text or a photo.
	StepContent Step = iota
	// StepTime waits for the delivery timestamp.
	StepTime
	// StepReplies collects reply comments until the operator finishes.
	StepReplies
)

func (s Step) String() string {
	switch s {
	case StepContent:
		return "content"
	case StepTime:
		return "time"
	case StepReplies:
		return "replies"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Session is one in-progress post form. Transitions are typed per step; a
// call in the wrong state fails with ErrWrongStep and does not advance.
// Sessions are not safe for concurrent use; the router serializes access.
type Session struct {
	step  Step
	draft store.Draft
}

func NewSession() *Session {
	return &Session{step: StepContent}
}

func (s *Session) Step() Step { return s.step }

// SetContent records the post body (text, or a media reference with
// optional caption) and advances to the time step.
func (s *Session) SetContent(text, mediaRef string) error {
	if s.step != StepContent {
		return ErrWrongStep
	}
	if strings.TrimSpace(text) == "" && strings.TrimSpace(mediaRef) == "" {
		return ErrEmptyContent
	}
	s.draft.Content = text
	s.draft.Media = mediaRef
	s.step = StepTime
	return nil
}

// SetTime parses the typed timestamp in the given location and advances to
// the replies step. A parse failure leaves the session on the time step.
func (s *Session) SetTime(raw string, loc *time.Location) error {
	if s.step != StepTime {
		return ErrWrongStep
	}
	if loc == nil {
		loc = time.Local
	}
	at, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(raw), loc)
	if err != nil {
		return ErrBadTime
	}
	s.draft.ScheduledAt = at
	s.step = StepReplies
	return nil
}

// AddReply appends one reply comment; order is preserved.
func (s *Session) AddReply(text string) error {
	if s.step != StepReplies {
		return ErrWrongStep
	}
	s.draft.Replies = append(s.draft.Replies, text)
	return nil
}

// Finish closes the form and returns the completed draft.
func (s *Session) Finish() (store.Draft, error) {
	if s.step != StepReplies {
		return store.Draft{}, ErrWrongStep
	}
	return s.draft, nil
}
