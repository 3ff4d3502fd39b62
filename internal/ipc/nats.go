package ipc

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
)

// wireMessage is Message's wire form for NATS payloads (spec.md §6:
// "payload: serialized host-ids list"), handled with jsoniter the way
// the rest of this repo serializes structured payloads.
type wireMessage struct {
	Kind    Kind     `json:"kind"`
	HostIDs []uint64 `json:"host_ids,omitempty"`
}

// NATSChannel is the production Channel backend: one subject per named
// endpoint, plus a broadcast subject every role subscribes to for the
// global SHUTDOWN command.
type NATSChannel struct {
	nc       *nats.Conn
	sub      *nats.Subscription
	shutdown *nats.Subscription
	msgs     chan *Message
}

const shutdownSubject = "ZBXCORE.SHUTDOWN"

// DialNATSChannel connects to url and subscribes the named endpoint
// plus the global shutdown subject.
func DialNATSChannel(url, endpoint string) (*NATSChannel, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("ipc: connect nats %s: %w", url, err)
	}
	c := &NATSChannel{nc: nc, msgs: make(chan *Message, 64)}

	deliver := func(m *nats.Msg) {
		var w wireMessage
		if err := jsoniter.Unmarshal(m.Data, &w); err != nil {
			return
		}
		c.msgs <- &Message{Kind: w.Kind, HostIDs: w.HostIDs}
	}

	sub, err := nc.Subscribe(subjectFor(endpoint), deliver)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ipc: subscribe %s: %w", endpoint, err)
	}
	c.sub = sub

	shut, err := nc.Subscribe(shutdownSubject, func(*nats.Msg) {
		c.msgs <- &Message{Kind: KindShutdown}
	})
	if err != nil {
		sub.Unsubscribe()
		nc.Close()
		return nil, fmt.Errorf("ipc: subscribe shutdown: %w", err)
	}
	c.shutdown = shut

	return c, nil
}

func subjectFor(endpoint string) string { return "ZBXCORE." + endpoint }

func (c *NATSChannel) Recv(timeout time.Duration) (*Message, bool, error) {
	if timeout <= 0 {
		select {
		case m := <-c.msgs:
			return m, true, nil
		default:
			return nil, false, nil
		}
	}
	select {
	case m := <-c.msgs:
		return m, true, nil
	case <-time.After(timeout):
		return nil, false, nil
	}
}

func (c *NATSChannel) Close() error {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	if c.shutdown != nil {
		c.shutdown.Unsubscribe()
	}
	c.nc.Close()
	return nil
}

// natsPublisher publishes requests/commands to named endpoints.
type natsPublisher struct{ nc *nats.Conn }

func NewNATSPublisher(url string) (Publisher, func() error, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("ipc: connect nats %s: %w", url, err)
	}
	return &natsPublisher{nc: nc}, nc.Drain, nil
}

func (p *natsPublisher) Publish(endpoint string, msg Message) error {
	w := wireMessage{Kind: msg.Kind, HostIDs: msg.HostIDs}
	b, err := jsoniter.Marshal(w)
	if err != nil {
		return fmt.Errorf("ipc: marshal message: %w", err)
	}
	subject := subjectFor(endpoint)
	if msg.Kind == KindShutdown {
		subject = shutdownSubject
	}
	return p.nc.Publish(subject, b)
}
