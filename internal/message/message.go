package message

import (
	"fmt"
	"net/mail"
	"os"
	"time"

	"github.com/google/uuid"
)

// Attachment references a file to attach at send time. The source file
// must exist when the message is handed to a transport; a missing file
// is a permanent validation failure for the whole message.
type Attachment struct {
	Filename   string `json:"filename"`
	SourcePath string `json:"source_path"`
}

// OutboundMessage is a single notification email queued for delivery.
// ID and CreatedAt are assigned at creation and never change; ID is
// used for deduplication in the retry queue and in failure records.
type OutboundMessage struct {
	ID          string       `json:"id"`
	To          []string     `json:"to"`
	Subject     string       `json:"subject"`
	BodyText    string       `json:"body_text,omitempty"`
	BodyHTML    string       `json:"body_html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ValidationError marks input that can never be delivered as-is.
// It is surfaced synchronously to the submitter and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// New creates a message with a fresh ID and creation timestamp.
func New(to []string, subject string) *OutboundMessage {
	return &OutboundMessage{
		ID:        uuid.New().String(),
		To:        to,
		Subject:   subject,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks the structural invariants of the message: at least
// one syntactically valid recipient and a non-empty subject and body.
func (m *OutboundMessage) Validate() error {
	if len(m.To) == 0 {
		return &ValidationError{Field: "to", Reason: "at least one recipient is required"}
	}
	for _, addr := range m.To {
		if _, err := mail.ParseAddress(addr); err != nil {
			return &ValidationError{Field: "to", Reason: fmt.Sprintf("invalid address %q", addr)}
		}
	}
	if m.Subject == "" {
		return &ValidationError{Field: "subject", Reason: "subject is required"}
	}
	if m.BodyText == "" && m.BodyHTML == "" {
		return &ValidationError{Field: "body", Reason: "message body is required"}
	}
	return nil
}

// CheckAttachments verifies that every attachment source exists on
// disk. Run before any transport attempt; failure here is permanent.
func (m *OutboundMessage) CheckAttachments() error {
	for _, att := range m.Attachments {
		if _, err := os.Stat(att.SourcePath); err != nil {
			return &ValidationError{
				Field:  "attachments",
				Reason: fmt.Sprintf("attachment %q not found at %s", att.Filename, att.SourcePath),
			}
		}
	}
	return nil
}

// AttachmentFilenames returns just the display names, used in failure
// records where the source paths are not interesting.
func (m *OutboundMessage) AttachmentFilenames() []string {
	if len(m.Attachments) == 0 {
		return nil
	}
	names := make([]string, 0, len(m.Attachments))
	for _, att := range m.Attachments {
		names = append(names, att.Filename)
	}
	return names
}
