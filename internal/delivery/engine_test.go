package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/solistra/mailroom/internal/message"
	"github.com/solistra/mailroom/internal/transport"
)

// fakeTransport scripts Send and Probe outcomes and counts calls.
type fakeTransport struct {
	name     string
	sendErr  error
	probeErr error

	mu         sync.Mutex
	sendCalls  int
	probeCalls int
}

func (f *fakeTransport) Name() string { return f.name }
func (f *fakeTransport) Kind() string { return "fake" }

func (f *fakeTransport) Send(ctx context.Context, msg *message.OutboundMessage) (string, error) {
	f.mu.Lock()
	f.sendCalls++
	f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "<" + msg.ID + "@" + f.name + ">", nil
}

func (f *fakeTransport) Probe(ctx context.Context) error {
	f.mu.Lock()
	f.probeCalls++
	f.mu.Unlock()
	return f.probeErr
}

func (f *fakeTransport) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func staticFactory(transports ...transport.Transport) Factory {
	return func() ([]transport.Transport, error) {
		return transports, nil
	}
}

func validMessage(t *testing.T) *message.OutboundMessage {
	t.Helper()
	msg := message.New([]string{"office@example.com"}, "Subject")
	msg.BodyText = "body"
	return msg
}

func TestSendFirstTransportWins(t *testing.T) {
	primary := &fakeTransport{name: "primary-smtp"}
	fallback := &fakeTransport{name: "gmail"}

	engine, err := NewEngine(staticFactory(primary, fallback), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := validMessage(t)
	receipt, err := engine.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if receipt.Transport != "primary-smtp" || receipt.TransportIndex != 0 {
		t.Errorf("expected delivery via primary at index 0, got %s at %d",
			receipt.Transport, receipt.TransportIndex)
	}
	if receipt.MessageID != msg.ID {
		t.Errorf("receipt message ID mismatch: %s vs %s", receipt.MessageID, msg.ID)
	}
	if fallback.sent() != 0 {
		t.Errorf("fallback must not be tried after primary success, got %d calls", fallback.sent())
	}
}

func TestSendFallsBackInOrder(t *testing.T) {
	primary := &fakeTransport{name: "primary-smtp", sendErr: errors.New("535 authentication failed")}
	second := &fakeTransport{name: "gmail", sendErr: errors.New("451 try again later")}
	third := &fakeTransport{name: "relaxed-tls"}

	engine, err := NewEngine(staticFactory(primary, second, third), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	receipt, err := engine.Send(context.Background(), validMessage(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if receipt.Transport != "relaxed-tls" || receipt.TransportIndex != 2 {
		t.Errorf("expected third transport at index 2, got %s at %d",
			receipt.Transport, receipt.TransportIndex)
	}
	if primary.sent() != 1 || second.sent() != 1 || third.sent() != 1 {
		t.Errorf("expected each transport tried once, got %d/%d/%d",
			primary.sent(), second.sent(), third.sent())
	}
}

func TestSendAllTransportsFail(t *testing.T) {
	primary := &fakeTransport{name: "primary-smtp", sendErr: errors.New("451 busy")}
	fallback := &fakeTransport{name: "gmail", sendErr: errors.New("452 mailbox full")}

	engine, err := NewEngine(staticFactory(primary, fallback), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := validMessage(t)
	_, err = engine.Send(context.Background(), msg)
	if err == nil {
		t.Fatal("expected error when every transport fails")
	}

	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("expected *DeliveryError, got %T", err)
	}
	if derr.MessageID != msg.ID {
		t.Errorf("expected message ID %s, got %s", msg.ID, derr.MessageID)
	}
	if len(derr.Attempts) != 2 {
		t.Fatalf("expected 2 transport errors, got %d", len(derr.Attempts))
	}
	if derr.Attempts[0].Transport != "primary-smtp" || derr.Attempts[1].Transport != "gmail" {
		t.Errorf("attempt order wrong: %s then %s",
			derr.Attempts[0].Transport, derr.Attempts[1].Transport)
	}
	if IsPermanent(err) {
		t.Error("an all-transports failure must be retryable, not permanent")
	}
}

func TestSendRejectsInvalidMessageBeforeAnyTransport(t *testing.T) {
	primary := &fakeTransport{name: "primary-smtp"}
	engine, err := NewEngine(staticFactory(primary), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := message.New(nil, "Subject")
	msg.BodyText = "body"

	_, err = engine.Send(context.Background(), msg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !IsPermanent(err) {
		t.Errorf("validation failure must be permanent, got %v", err)
	}
	if primary.sent() != 0 {
		t.Errorf("no transport may be tried for an invalid message, got %d calls", primary.sent())
	}
}

func TestSendRejectsMissingAttachmentBeforeAnyTransport(t *testing.T) {
	primary := &fakeTransport{name: "primary-smtp"}
	engine, err := NewEngine(staticFactory(primary), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := validMessage(t)
	msg.Attachments = []message.Attachment{{
		Filename:   "brochure.pdf",
		SourcePath: "/nonexistent/brochure.pdf",
	}}

	_, err = engine.Send(context.Background(), msg)
	if err == nil {
		t.Fatal("expected attachment error")
	}
	if !IsPermanent(err) {
		t.Errorf("missing attachment must be permanent, got %v", err)
	}
	if primary.sent() != 0 {
		t.Errorf("no transport may be tried when an attachment is missing, got %d calls", primary.sent())
	}
}

func TestSendFastFailWhenPrimaryKnownDown(t *testing.T) {
	primary := &fakeTransport{name: "primary-smtp"}
	engine, err := NewEngine(staticFactory(primary), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	engine.Health().MarkDown(time.Now())
	// Consume the rebuild flag the mark-down set so the static factory
	// chain stays in place for the assertion.
	engine.Health().ConsumeRebuild()

	_, err = engine.Send(context.Background(), validMessage(t))
	if err == nil {
		t.Fatal("expected fast-fail error")
	}
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("expected *DeliveryError, got %T", err)
	}
	if !derr.KnownDown {
		t.Error("expected KnownDown to be set")
	}
	if primary.sent() != 0 {
		t.Errorf("fast-fail must not touch the network, got %d calls", primary.sent())
	}
}

func TestRedeliverWalksChainWhilePrimaryKnownDown(t *testing.T) {
	// A queued retry has no caller to unblock, so the fast-fail
	// shortcut must not apply: the pass walks the chain and a healthy
	// fallback still gets the message.
	primary := &fakeTransport{name: "primary-smtp", sendErr: errors.New("dial tcp 203.0.113.10:587: connection refused")}
	fallback := &fakeTransport{name: "gmail"}

	engine, err := NewEngine(staticFactory(primary, fallback), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	engine.Health().MarkDown(time.Now())
	engine.Health().ConsumeRebuild()

	receipt, err := engine.Redeliver(context.Background(), validMessage(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Transport != "gmail" || receipt.TransportIndex != 1 {
		t.Errorf("expected delivery via the fallback, got %s at %d",
			receipt.Transport, receipt.TransportIndex)
	}
	if primary.sent() != 1 {
		t.Errorf("redelivery must still try the primary, got %d calls", primary.sent())
	}

	// The immediate path keeps its shortcut.
	_, err = engine.Send(context.Background(), validMessage(t))
	var derr *DeliveryError
	if !errors.As(err, &derr) || !derr.KnownDown {
		t.Errorf("expected Send to keep fast-failing, got %v", err)
	}
}

func TestSendWithoutFastFailStillTriesWhenDown(t *testing.T) {
	primary := &fakeTransport{name: "primary-smtp"}
	engine, err := NewEngine(staticFactory(primary), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	engine.Health().MarkDown(time.Now())

	receipt, err := engine.Send(context.Background(), validMessage(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Transport != "primary-smtp" {
		t.Errorf("unexpected transport: %s", receipt.Transport)
	}
}

func TestPrimaryConnectionFailureFlipsReadiness(t *testing.T) {
	primary := &fakeTransport{name: "primary-smtp", sendErr: errors.New("dial tcp 203.0.113.10:587: connection refused")}
	fallback := &fakeTransport{name: "gmail"}

	engine, err := NewEngine(staticFactory(primary, fallback), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !engine.Health().Ready() {
		t.Fatal("engine must start ready")
	}

	receipt, err := engine.Send(context.Background(), validMessage(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Transport != "gmail" {
		t.Errorf("expected fallback delivery, got %s", receipt.Transport)
	}
	if engine.Health().Ready() {
		t.Error("a refused connection on the primary must mark health down")
	}
}

func TestApplicationErrorDoesNotFlipReadiness(t *testing.T) {
	primary := &fakeTransport{name: "primary-smtp", sendErr: errors.New("550 mailbox unavailable")}
	fallback := &fakeTransport{name: "gmail"}

	engine, err := NewEngine(staticFactory(primary, fallback), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := engine.Send(context.Background(), validMessage(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !engine.Health().Ready() {
		t.Error("an SMTP-level rejection must not mark health down")
	}
}

func TestRebuildSwapsChainOnNextSend(t *testing.T) {
	oldPrimary := &fakeTransport{name: "primary-smtp", sendErr: errors.New("dial tcp: connection refused")}
	newPrimary := &fakeTransport{name: "primary-smtp"}

	chains := [][]transport.Transport{
		{oldPrimary},
		{newPrimary},
	}
	var built int
	factory := func() ([]transport.Transport, error) {
		chain := chains[built]
		if built < len(chains)-1 {
			built++
		}
		return chain, nil
	}

	engine, err := NewEngine(factory, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	engine.Health().MarkDown(time.Now())

	receipt, err := engine.Send(context.Background(), validMessage(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Transport != "primary-smtp" {
		t.Errorf("unexpected transport: %s", receipt.Transport)
	}
	if newPrimary.sent() != 1 {
		t.Errorf("expected the rebuilt chain to handle the send, got %d calls on the new handle", newPrimary.sent())
	}
	if oldPrimary.sent() != 0 {
		t.Errorf("old chain must not be used after rebuild, got %d calls", oldPrimary.sent())
	}
}

func TestNewEngineRequiresTransports(t *testing.T) {
	if _, err := NewEngine(staticFactory(), false); err == nil {
		t.Error("expected error for empty transport chain")
	}
	if _, err := NewEngine(func() ([]transport.Transport, error) {
		return nil, errors.New("missing credentials")
	}, false); err == nil {
		t.Error("expected factory error to surface")
	}
}
