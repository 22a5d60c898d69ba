package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/copilot-chat/internal/bridge"
)

// SourceName tags envelopes received over NATS.
const SourceName = "nats"

// HostSource delivers host messages published on a subject.
type HostSource struct {
	client  *Client
	subject string
}

// NewHostSource creates a bridge source for subject.
func NewHostSource(client *Client, subject string) *HostSource {
	return &HostSource{client: client, subject: subject}
}

// Subscribe implements bridge.Source. The subscription ends when ctx is done
// or the returned function is called.
func (s *HostSource) Subscribe(ctx context.Context, deliver func(bridge.Envelope)) (func(), error) {
	sub, err := s.client.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		env, err := decodeEnvelope(msg.Data)
		if err != nil {
			s.client.logger.Warn("malformed host message",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}
		deliver(env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}

	s.client.logger.Info("listening for host messages", zap.String("subject", s.subject))

	stop := context.AfterFunc(ctx, func() {
		sub.Unsubscribe()
	})
	return func() {
		stop()
		sub.Unsubscribe()
	}, nil
}

func decodeEnvelope(data []byte) (bridge.Envelope, error) {
	var env bridge.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return bridge.Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Type == "" {
		return bridge.Envelope{}, errors.New("envelope has no type")
	}
	env.Source = SourceName
	return env, nil
}
