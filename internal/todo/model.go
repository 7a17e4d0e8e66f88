// Package todo provides the todo document model and the repository façade
// the UI layer talks to.
//
// The repository owns the business rules the document store does not know
// about: validation, HTML-entity sanitization, and id/timestamp/type
// assignment. All operations work purely against the local store; sync
// state never surfaces here.
package todo

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/localfirst/todosync/internal/store"
)

// DocType is the type discriminator for todo documents, distinguishing
// them from any future document kind sharing the store.
const DocType = "todo"

const (
	// MaxTitleLen is the maximum title length in characters, after trimming.
	MaxTitleLen = 100

	// MaxDescriptionLen is the maximum description length in characters,
	// after trimming.
	MaxDescriptionLen = 500
)

// Todo is the persisted todo document.
//
// ID is immutable after creation. Rev is the store's opaque version token,
// required for subsequent updates. Title and Description are stored
// HTML-entity-escaped.
type Todo struct {
	ID          string    `json:"-"`
	Rev         string    `json:"-"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Type        string    `json:"type"`
}

// ValidationError reports a caller-correctable input problem. It is
// returned before anything reaches storage.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// newTodo builds a validated, sanitized todo ready for storage.
// Title and description are trimmed and escaped; id, timestamps, and the
// type discriminator are assigned here.
func newTodo(title, description string, now time.Time) (Todo, error) {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)

	if err := validate(title, description); err != nil {
		return Todo{}, err
	}

	return Todo{
		ID:          "todo_" + uuid.NewString(),
		Title:       html.EscapeString(title),
		Description: html.EscapeString(description),
		Completed:   false,
		CreatedAt:   now,
		UpdatedAt:   now,
		Type:        DocType,
	}, nil
}

// validate checks the trimmed, unescaped field values.
func validate(title, description string) error {
	if title == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(title) > MaxTitleLen {
		return &ValidationError{Field: "title", Reason: fmt.Sprintf("must not exceed %d characters", MaxTitleLen)}
	}
	if utf8.RuneCountInString(description) > MaxDescriptionLen {
		return &ValidationError{Field: "description", Reason: fmt.Sprintf("must not exceed %d characters", MaxDescriptionLen)}
	}
	return nil
}

// validateStored re-checks a merged document before writing it back.
// Stored fields are already escaped, so length limits apply to the
// unescaped form; escaping only ever lengthens, so checking the escaped
// title for emptiness is still exact.
func validateStored(t Todo) error {
	if strings.TrimSpace(t.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(html.UnescapeString(t.Title)) > MaxTitleLen {
		return &ValidationError{Field: "title", Reason: fmt.Sprintf("must not exceed %d characters", MaxTitleLen)}
	}
	if utf8.RuneCountInString(html.UnescapeString(t.Description)) > MaxDescriptionLen {
		return &ValidationError{Field: "description", Reason: fmt.Sprintf("must not exceed %d characters", MaxDescriptionLen)}
	}
	return nil
}

// toDocument marshals a todo into its store representation.
func toDocument(t Todo) (store.Document, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return store.Document{}, fmt.Errorf("failed to encode todo %s: %w", t.ID, err)
	}
	return store.Document{ID: t.ID, Rev: t.Rev, Body: body}, nil
}

// fromDocument unmarshals a store document into a todo.
func fromDocument(doc store.Document) (Todo, error) {
	var t Todo
	if err := json.Unmarshal(doc.Body, &t); err != nil {
		return Todo{}, fmt.Errorf("failed to decode todo %s: %w", doc.ID, err)
	}
	t.ID = doc.ID
	t.Rev = doc.Rev
	return t, nil
}
