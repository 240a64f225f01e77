package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each event as JSON on subject.<action>.
type NATSSink struct {
	pub     Publisher
	subject string
}

// NewNATSSink publishes under subject, "tenancy.audit" when empty.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	if subject == "" {
		subject = "tenancy.audit"
	}
	return &NATSSink{pub: pub, subject: strings.TrimSuffix(subject, ".")}
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

func (s *NATSSink) Write(_ context.Context, events []Event) error {
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := s.pub.Publish(s.subject+"."+ev.Action, data); err != nil {
			return fmt.Errorf("publish %s: %w", ev.Action, err)
		}
	}
	return nil
}

var (
	_ Sink      = (*NATSSink)(nil)
	_ Publisher = (*nats.Conn)(nil)
)
