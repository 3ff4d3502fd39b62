package ipc

import "time"

// InMemChannel is a Channel backed by a buffered Go channel, used by
// tests that exercise DCW/AHP control-channel handling without a NATS
// server.
type InMemChannel struct {
	ch chan *Message
}

func NewInMemChannel(buf int) *InMemChannel {
	return &InMemChannel{ch: make(chan *Message, buf)}
}

func (c *InMemChannel) Send(msg Message) {
	m := msg
	c.ch <- &m
}

func (c *InMemChannel) Recv(timeout time.Duration) (*Message, bool, error) {
	if timeout <= 0 {
		select {
		case m := <-c.ch:
			return m, true, nil
		default:
			return nil, false, nil
		}
	}
	select {
	case m := <-c.ch:
		return m, true, nil
	case <-time.After(timeout):
		return nil, false, nil
	}
}

func (c *InMemChannel) Close() error { return nil }
