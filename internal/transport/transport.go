// Package transport builds and drives the outbound SMTP fallback
// chain. Transports are immutable once built; recovering from a bad
// endpoint means building a fresh chain, never mutating a live one.
package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/solistra/mailroom/internal/config"
	"github.com/solistra/mailroom/internal/message"
)

// Transport is one configured SMTP-compatible endpoint capable of
// sending a message. Implementations must be safe for concurrent use.
type Transport interface {
	// Name identifies the transport in logs and receipts.
	Name() string

	// Kind returns the configured transport kind.
	Kind() string

	// Send delivers the message and returns the message id stamped on
	// the wire, or an error classified by the caller as transient.
	Send(ctx context.Context, msg *message.OutboundMessage) (string, error)

	// Probe verifies the endpoint is reachable and, when credentials
	// are configured, that authentication succeeds.
	Probe(ctx context.Context) error
}

// Transport kinds. They differ only in which defaults get filled in;
// the delivery path treats every transport the same.
const (
	KindPrimary       = "primary-smtp"
	KindServiceAlias  = "service-alias"
	KindRelaxedTLS    = "relaxed-tls"
	KindAlternatePort = "alternate-port"
)

// serviceHosts maps well-known provider aliases to their submission
// endpoints.
var serviceHosts = map[string]struct {
	host string
	port int
}{
	"gmail":   {"smtp.gmail.com", 587},
	"outlook": {"smtp-mail.outlook.com", 587},
}

// Build constructs the ordered transport chain from configuration.
// Ordering in the config defines fallback priority. Every transport
// must carry credentials; a chain that would silently send
// unauthenticated is a configuration error.
func Build(cfg *config.Config) ([]Transport, error) {
	if len(cfg.Mail.Transports) == 0 {
		return nil, config.ErrNoTransports
	}

	transports := make([]Transport, 0, len(cfg.Mail.Transports))
	for i, tc := range cfg.Mail.Transports {
		resolved, err := resolve(tc)
		if err != nil {
			return nil, fmt.Errorf("transport %d (%s): %w", i, tc.Kind, err)
		}
		if resolved.Username == "" || resolved.Password == "" {
			return nil, fmt.Errorf("transport %d (%s): missing credentials", i, tc.Kind)
		}
		transports = append(transports, newSMTPTransport(resolved, cfg.Mail.FromAddress, cfg.Mail.FromName))
	}

	return transports, nil
}

// resolve fills per-kind defaults into a copy of the transport config.
func resolve(tc config.TransportConfig) (config.TransportConfig, error) {
	switch tc.Kind {
	case KindPrimary, "":
		tc.Kind = KindPrimary
		if tc.Host == "" {
			return tc, fmt.Errorf("host is required")
		}
		if tc.Port == 0 {
			tc.Port = 587
		}
	case KindServiceAlias:
		svc, ok := serviceHosts[strings.ToLower(tc.Service)]
		if !ok {
			return tc, fmt.Errorf("unknown service alias %q", tc.Service)
		}
		tc.Host = svc.host
		if tc.Port == 0 {
			tc.Port = svc.port
		}
	case KindRelaxedTLS:
		if tc.Host == "" {
			return tc, fmt.Errorf("host is required")
		}
		if tc.Port == 0 {
			tc.Port = 587
		}
		tc.InsecureSkipVerify = true
	case KindAlternatePort:
		if tc.Host == "" {
			return tc, fmt.Errorf("host is required")
		}
		if tc.Port == 0 {
			tc.Port = 2525
		}
	default:
		return tc, fmt.Errorf("unknown transport kind %q", tc.Kind)
	}

	if tc.ConnectTimeout <= 0 {
		tc.ConnectTimeout = 10
	}
	if tc.SendTimeout <= 0 {
		tc.SendTimeout = 30
	}

	return tc, nil
}
