package client

import (
	"fmt"
	"sync"
)

// Status is the connection state shown to the user.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

var transitions = map[Status][]Status{
	StatusDisconnected: {StatusConnecting},
	StatusConnecting:   {StatusConnected, StatusDisconnected},
	StatusConnected:    {StatusReconnecting, StatusDisconnected},
	StatusReconnecting: {StatusConnected, StatusDisconnected},
}

// presence tracks the connection state, the participant id to ask for on
// the next handshake and the session to rehydrate after a reconnect.
type presence struct {
	mu            sync.Mutex
	status        Status
	participantID string
	sessionID     string
}

// transition moves to next and reports the state it left.
func (p *presence) transition(next Status) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.status
	for _, s := range transitions[prev] {
		if s == next {
			p.status = next
			return prev, nil
		}
	}
	return prev, fmt.Errorf("client: invalid status transition %s -> %s", prev, next)
}

func (p *presence) current() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *presence) retained() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.participantID
}

func (p *presence) retain(participantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.participantID = participantID
}

func (p *presence) follow(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = sessionID
}

func (p *presence) followed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}
