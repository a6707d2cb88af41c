package faillog

import (
	"path/filepath"
	"testing"

	"github.com/solistra/mailroom/internal/message"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "failures.db"))
	if err != nil {
		t.Fatalf("failed to open failure log: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndList(t *testing.T) {
	l := openTestLog(t)

	msg := message.New([]string{"office@example.com", "backup@example.com"}, "Brochure request from Jane")
	msg.BodyText = "body"
	msg.Attachments = []message.Attachment{{Filename: "brochure.pdf", SourcePath: "/tmp/brochure.pdf"}}

	if err := l.RecordFailure(msg, 5, "all transports failed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, err := l.List(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	rec := records[0]
	if rec.MessageID != msg.ID {
		t.Errorf("expected message ID %s, got %s", msg.ID, rec.MessageID)
	}
	if len(rec.Recipients) != 2 || rec.Recipients[0] != "office@example.com" {
		t.Errorf("unexpected recipients: %v", rec.Recipients)
	}
	if rec.Subject != msg.Subject {
		t.Errorf("unexpected subject: %s", rec.Subject)
	}
	if len(rec.Attachments) != 1 || rec.Attachments[0] != "brochure.pdf" {
		t.Errorf("unexpected attachments: %v", rec.Attachments)
	}
	if rec.Attempts != 5 {
		t.Errorf("expected 5 attempts, got %d", rec.Attempts)
	}
	if rec.Error != "all transports failed" {
		t.Errorf("unexpected error text: %s", rec.Error)
	}
	if rec.RecordedAt.IsZero() {
		t.Error("expected RecordedAt to be set")
	}
}

func TestListNewestFirst(t *testing.T) {
	l := openTestLog(t)

	for _, id := range []string{"first", "second", "third"} {
		msg := message.New([]string{"office@example.com"}, "Subject")
		msg.ID = id
		msg.BodyText = "body"
		if err := l.RecordFailure(msg, 1, "fail"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	records, err := l.List(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].MessageID != "third" || records[1].MessageID != "second" {
		t.Errorf("expected newest first, got %s then %s",
			records[0].MessageID, records[1].MessageID)
	}
}

func TestListEmptyLog(t *testing.T) {
	l := openTestLog(t)

	records, err := l.List(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestNoAttachmentsStoredAsEmpty(t *testing.T) {
	l := openTestLog(t)

	msg := message.New([]string{"office@example.com"}, "Subject")
	msg.BodyText = "body"
	if err := l.RecordFailure(msg, 1, "fail"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, err := l.List(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if records[0].Attachments != nil {
		t.Errorf("expected nil attachments, got %v", records[0].Attachments)
	}
}
