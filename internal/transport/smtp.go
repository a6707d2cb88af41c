package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"gopkg.in/gomail.v2"

	"github.com/solistra/mailroom/internal/config"
	"github.com/solistra/mailroom/internal/message"
)

// ErrRateLimited is returned when a transport has used up its
// per-minute send budget. Transient; the caller falls through to the
// next transport or the retry queue.
var ErrRateLimited = errors.New("transport: rate limit exceeded")

// smtpTransport sends mail through one SMTP endpoint using gomail.
// The dialer is stateless between sends, so a transport handle can be
// shared by any number of concurrent callers; max_connections caps how
// many of them dial at once.
type smtpTransport struct {
	cfg      config.TransportConfig
	dialer   *gomail.Dialer
	from     string
	fromName string
	conns    *semaphore.Weighted
	logger   *slog.Logger

	// Rolling one-minute send window.
	rateMu      sync.Mutex
	windowStart time.Time
	windowCount int
}

func newSMTPTransport(tc config.TransportConfig, from, fromName string) *smtpTransport {
	d := gomail.NewDialer(tc.Host, tc.Port, tc.Username, tc.Password)
	d.SSL = tc.SSL
	if tc.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: tc.Host}
	}

	var conns *semaphore.Weighted
	if tc.MaxConnections > 0 {
		conns = semaphore.NewWeighted(int64(tc.MaxConnections))
	}

	return &smtpTransport{
		cfg:      tc,
		dialer:   d,
		from:     from,
		fromName: fromName,
		conns:    conns,
		logger:   slog.Default().With("component", "transport", "transport", tc.Kind, "host", tc.Host),
	}
}

func (t *smtpTransport) Name() string {
	return fmt.Sprintf("%s(%s:%d)", t.cfg.Kind, t.cfg.Host, t.cfg.Port)
}

func (t *smtpTransport) Kind() string {
	return t.cfg.Kind
}

// Send builds the MIME message and submits it. gomail's dial and send
// are blocking, so both run under a combined connect+send deadline and
// the caller's context.
func (t *smtpTransport) Send(ctx context.Context, msg *message.OutboundMessage) (string, error) {
	if err := t.takeRateSlot(); err != nil {
		return "", err
	}
	if t.conns != nil {
		if err := t.conns.Acquire(ctx, 1); err != nil {
			return "", err
		}
		defer t.conns.Release(1)
	}

	wireID := fmt.Sprintf("<%s@%s>", msg.ID, t.cfg.Host)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", t.from, t.fromName)
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-Id", wireID)
	switch {
	case msg.BodyText != "" && msg.BodyHTML != "":
		m.SetBody("text/plain", msg.BodyText)
		m.AddAlternative("text/html", msg.BodyHTML)
	case msg.BodyHTML != "":
		m.SetBody("text/html", msg.BodyHTML)
	default:
		m.SetBody("text/plain", msg.BodyText)
	}
	for _, att := range msg.Attachments {
		m.Attach(att.SourcePath, gomail.Rename(att.Filename))
	}

	err := t.run(ctx, func() error { return t.dialer.DialAndSend(m) })
	if err != nil {
		return "", err
	}

	t.logger.Debug("message submitted", "message_id", msg.ID, "wire_id", wireID)
	return wireID, nil
}

// Probe dials and authenticates, then closes the connection.
func (t *smtpTransport) Probe(ctx context.Context) error {
	return t.run(ctx, func() error {
		sc, err := t.dialer.Dial()
		if err != nil {
			return err
		}
		return sc.Close()
	})
}

// run executes a blocking gomail operation under the transport's
// deadline and the caller's context. The goroutine is left to finish
// on its own when the deadline fires; gomail holds no shared state so
// an abandoned dial can only leak a short-lived connection.
func (t *smtpTransport) run(ctx context.Context, fn func() error) error {
	deadline := time.Duration(t.cfg.ConnectTimeout+t.cfg.SendTimeout) * time.Second

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-time.After(deadline):
		return fmt.Errorf("transport %s: timeout after %s", t.Name(), deadline)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// takeRateSlot enforces the per-minute budget when one is configured.
func (t *smtpTransport) takeRateSlot() error {
	if t.cfg.MaxPerMinute <= 0 {
		return nil
	}

	t.rateMu.Lock()
	defer t.rateMu.Unlock()

	now := time.Now()
	if now.Sub(t.windowStart) >= time.Minute {
		t.windowStart = now
		t.windowCount = 0
	}
	if t.windowCount >= t.cfg.MaxPerMinute {
		return ErrRateLimited
	}
	t.windowCount++
	return nil
}
