package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/flotilla/pkg/log"
	"github.com/nats-io/nats.go"
)

// DefaultSubject is the subject prefix events are published under
const DefaultSubject = "flotilla.events"

// Sink receives encoded events outside the process
type Sink interface {
	Send(subject string, payload []byte) error
	Close()
}

// NATSSink publishes events to a NATS server
type NATSSink struct {
	nc *nats.Conn
}

// NewNATSSink connects to url and reconnects forever on disconnect
func NewNATSSink(url string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("flotilla"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Logger.Warn().Err(err).Str("component", "events").Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Logger.Info().Str("component", "events").Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSSink{nc: nc}, nil
}

// Send publishes payload on subject
func (s *NATSSink) Send(subject string, payload []byte) error {
	if s.nc == nil || s.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return s.nc.Publish(subject, payload)
}

// Close drains pending messages and closes the connection
func (s *NATSSink) Close() {
	if s.nc != nil {
		_ = s.nc.Drain()
		s.nc.Close()
	}
}

// Forward subscribes to the broker and sends every event to sink as JSON
// on "<subject>.<event type>" until ctx is done
func Forward(ctx context.Context, b *Broker, sink Sink, subject string) {
	if subject == "" {
		subject = DefaultSubject
	}
	sub := b.Subscribe()
	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case event, ok := <-sub:
				if !ok {
					return
				}
				payload, err := json.Marshal(event)
				if err != nil {
					continue
				}
				if err := sink.Send(subject+"."+string(event.Type), payload); err != nil {
					log.Logger.Debug().Err(err).Str("component", "events").Msg("failed to forward event")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
