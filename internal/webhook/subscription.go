// Package webhook manages subscriber endpoints and delivers import events to
// them.
package webhook

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Event types emitted by the import pipeline.
const (
	EventImportCompleted = "import.completed"
	EventTest            = "test"
)

const (
	maxURLLength       = 2000
	minURLLength       = 5
	maxEventTypeLength = 50
)

// ErrNotFound is returned for unknown subscription ids.
var ErrNotFound = errors.New("webhook not found")

// Subscription is a registered endpoint for one event type.
type Subscription struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	EventType string    `json:"event_type"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidationError lists every problem found in a create or update request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid webhook: " + strings.Join(e.Problems, "; ")
}

// NewSubscription is the create request.
type NewSubscription struct {
	URL       string `json:"url"`
	EventType string `json:"event_type"`
	Enabled   *bool  `json:"enabled,omitempty"`
}

// Validate trims fields and checks lengths and URL form.
func (n *NewSubscription) Validate() error {
	n.URL = strings.TrimSpace(n.URL)
	n.EventType = strings.TrimSpace(n.EventType)

	var problems []string
	problems = append(problems, checkURL(n.URL)...)
	problems = append(problems, checkEventType(n.EventType)...)
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	URL       *string `json:"url,omitempty"`
	EventType *string `json:"event_type,omitempty"`
	Enabled   *bool   `json:"enabled,omitempty"`
}

// Validate checks the fields that are present.
func (p *Patch) Validate() error {
	var problems []string
	if p.URL != nil {
		u := strings.TrimSpace(*p.URL)
		p.URL = &u
		problems = append(problems, checkURL(u)...)
	}
	if p.EventType != nil {
		et := strings.TrimSpace(*p.EventType)
		p.EventType = &et
		problems = append(problems, checkEventType(et)...)
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Filter narrows List. EventType matches as a case-insensitive substring.
type Filter struct {
	EventType string
	Enabled   *bool
}

func checkURL(raw string) []string {
	n := utf8.RuneCountInString(raw)
	if n < minURLLength || n > maxURLLength {
		return []string{fmt.Sprintf("url must be between %d and %d characters", minURLLength, maxURLLength)}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return []string{"url must be an absolute http or https URL"}
	}
	return nil
}

func checkEventType(et string) []string {
	n := utf8.RuneCountInString(et)
	if n == 0 || n > maxEventTypeLength {
		return []string{fmt.Sprintf("event_type must be between 1 and %d characters", maxEventTypeLength)}
	}
	return nil
}
