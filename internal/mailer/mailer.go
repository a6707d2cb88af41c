// Package mailer is the submission adapter between the HTTP layer and
// the delivery pipeline. Submit validates synchronously, then hands
// the message to a background dispatch so the HTTP request never waits
// on mail I/O.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sync"
	"time"

	"github.com/solistra/mailroom/internal/assets"
	"github.com/solistra/mailroom/internal/delivery"
	"github.com/solistra/mailroom/internal/message"
	"github.com/solistra/mailroom/internal/metrics"
	"github.com/solistra/mailroom/internal/store"
)

// Submission types.
const (
	TypeContact  = "contact"
	TypeBrochure = "brochure"
)

// ErrDisabled is returned by Submit when no transports are configured
// and the service runs in degraded mode.
var ErrDisabled = errors.New("mailer: email delivery is disabled")

// Payload is the inbound form submission.
type Payload struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone,omitempty"`
	Message string `json:"message,omitempty"`
	Type    string `json:"type"`
}

// Ack is the immediate response to a submission. Delivery continues in
// the background; a true Success only means accepted-for-delivery.
type Ack struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
}

// Deliverer runs delivery passes over the transport chain. Send is the
// immediate pass for a fresh submission; Redeliver is the pass used
// for queued retries, which always walks the full chain.
type Deliverer interface {
	Send(ctx context.Context, msg *message.OutboundMessage) (*delivery.Receipt, error)
	Redeliver(ctx context.Context, msg *message.OutboundMessage) (*delivery.Receipt, error)
}

// Enqueuer accepts messages that failed their immediate pass.
type Enqueuer interface {
	Enqueue(msg *message.OutboundMessage, cause error)
}

// FailureRecorder appends to the permanent failure log.
type FailureRecorder interface {
	RecordFailure(msg *message.OutboundMessage, attempts int, cause string) error
}

// RequestStore persists submissions, best-effort.
type RequestStore interface {
	Save(ctx context.Context, rec store.RequestRecord) (int64, error)
	MarkEmailSent(ctx context.Context, id int64) error
}

// Config holds mailer tuning.
type Config struct {
	// DefaultTo receives all notification mail.
	DefaultTo string
	// BrochureFilename is the display name used for the attachment.
	BrochureFilename string
	// RequireAttachment rejects brochure requests when no brochure
	// file exists, instead of sending without it.
	RequireAttachment bool
	// DispatchTimeout bounds one background dispatch end to end.
	DispatchTimeout time.Duration
}

// Mailer owns the submission-to-delivery hand-off.
type Mailer struct {
	cfg       Config
	deliverer Deliverer
	queue     Enqueuer
	faillog   FailureRecorder
	store     RequestStore
	locator   *assets.Locator
	logger    *slog.Logger
	metrics   *metrics.Metrics

	wg sync.WaitGroup
}

// New creates a mailer. store may be nil (persistence disabled);
// deliverer may be nil, which puts the mailer in degraded mode where
// every submission is refused.
func New(cfg Config, deliverer Deliverer, queue Enqueuer, faillog FailureRecorder, requestStore RequestStore, locator *assets.Locator) *Mailer {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 3 * time.Minute
	}
	return &Mailer{
		cfg:       cfg,
		deliverer: deliverer,
		queue:     queue,
		faillog:   faillog,
		store:     requestStore,
		locator:   locator,
		logger:    slog.Default().With("component", "mailer"),
		metrics:   metrics.Get(),
	}
}

// Submit validates the payload, builds the outbound message, and
// returns immediately. Delivery proceeds asynchronously: the caller
// only ever sees a validation rejection or accepted-for-delivery.
func (m *Mailer) Submit(ctx context.Context, p Payload) (Ack, error) {
	if m.deliverer == nil {
		return Ack{Success: false, Message: "email delivery is disabled"}, ErrDisabled
	}

	if err := m.validate(p); err != nil {
		m.metrics.SubmissionRejected.Inc()
		return Ack{Success: false, Message: err.Error()}, err
	}

	msg, err := m.build(p)
	if err != nil {
		m.metrics.SubmissionRejected.Inc()
		return Ack{Success: false, Message: err.Error()}, err
	}

	m.metrics.SubmissionsTotal.WithLabelValues(p.Type).Inc()
	m.logger.Info("submission_accepted",
		"event_type", "submission_accepted",
		"message_id", msg.ID,
		"type", p.Type,
	)

	m.wg.Add(1)
	go m.dispatch(p, msg)

	return Ack{
		Success:   true,
		Message:   "Your request has been received.",
		MessageID: msg.ID,
	}, nil
}

// Deliver implements the retry queue's delivery handler by running a
// redelivery pass over the transport chain.
func (m *Mailer) Deliver(ctx context.Context, msg *message.OutboundMessage) error {
	_, err := m.deliverer.Redeliver(ctx, msg)
	return err
}

// Drain waits for in-flight background dispatches to finish.
func (m *Mailer) Drain() {
	m.wg.Wait()
}

// validate applies the per-type required fields. Contact submissions
// need a message body; brochure requests do not.
func (m *Mailer) validate(p Payload) error {
	if p.Type != TypeContact && p.Type != TypeBrochure {
		return &message.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown submission type %q", p.Type)}
	}
	if p.Name == "" {
		return &message.ValidationError{Field: "name", Reason: "name is required"}
	}
	if p.Email == "" {
		return &message.ValidationError{Field: "email", Reason: "email is required"}
	}
	if _, err := mail.ParseAddress(p.Email); err != nil {
		return &message.ValidationError{Field: "email", Reason: fmt.Sprintf("invalid address %q", p.Email)}
	}
	if p.Type == TypeContact && p.Message == "" {
		return &message.ValidationError{Field: "message", Reason: "message is required"}
	}
	return nil
}

// build translates a validated payload into an outbound message. For
// brochure requests the brochure file is resolved here, before the
// caller gets its ack, so a missing file is rejected synchronously.
func (m *Mailer) build(p Payload) (*message.OutboundMessage, error) {
	var msg *message.OutboundMessage

	switch p.Type {
	case TypeContact:
		msg = message.New([]string{m.cfg.DefaultTo}, fmt.Sprintf("New contact request from %s", p.Name))
	case TypeBrochure:
		msg = message.New([]string{m.cfg.DefaultTo}, fmt.Sprintf("Brochure request from %s", p.Name))
		path, err := m.locator.Resolve()
		if err != nil {
			if m.cfg.RequireAttachment {
				return nil, &message.ValidationError{Field: "brochure", Reason: "brochure file is not available"}
			}
			m.logger.Warn("brochure file not found, sending without attachment")
		} else {
			msg.Attachments = []message.Attachment{{
				Filename:   m.cfg.BrochureFilename,
				SourcePath: path,
			}}
		}
	}

	msg.BodyText = renderText(p)
	msg.BodyHTML = renderHTML(p)
	return msg, nil
}

// dispatch runs the fire-and-forget half of a submission: best-effort
// request persistence, one immediate delivery pass, and on total
// failure the hand-off to the retry queue and the failure log.
func (m *Mailer) dispatch(p Payload, msg *message.OutboundMessage) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DispatchTimeout)
	defer cancel()

	var recordID int64
	if m.store != nil {
		id, err := m.store.Save(ctx, store.RequestRecord{
			Type:        p.Type,
			Name:        p.Name,
			Email:       p.Email,
			Phone:       p.Phone,
			Message:     p.Message,
			EmailSent:   false,
			RequestDate: time.Now().UTC(),
		})
		if err != nil {
			m.logger.Warn("failed to persist request record", "message_id", msg.ID, "error", err)
		} else {
			recordID = id
		}
	}

	receipt, err := m.deliverer.Send(ctx, msg)
	if err == nil {
		if m.store != nil && recordID != 0 {
			if err := m.store.MarkEmailSent(ctx, recordID); err != nil {
				m.logger.Warn("failed to mark request record sent", "record_id", recordID, "error", err)
			}
		}
		m.logger.Info("dispatch complete",
			"message_id", msg.ID,
			"transport", receipt.Transport,
		)
		return
	}

	if delivery.IsPermanent(err) {
		// The message can never succeed (an attachment vanished
		// between Submit and dispatch). Record it and stop.
		m.logger.Error("dispatch failed permanently", "message_id", msg.ID, "error", err)
		if rerr := m.faillog.RecordFailure(msg, 0, err.Error()); rerr != nil {
			m.logger.Error("failed to record permanent failure", "message_id", msg.ID, "error", rerr)
		}
		return
	}

	// Immediate attempts exhausted: queue for retry and log the
	// failure for offline inspection.
	m.queue.Enqueue(msg, err)
	if rerr := m.faillog.RecordFailure(msg, 0, err.Error()); rerr != nil {
		m.logger.Error("failed to record delivery failure", "message_id", msg.ID, "error", rerr)
	}
}
