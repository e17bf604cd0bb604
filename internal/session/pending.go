package session

import (
	"sync"

	"github.com/sandboxrun/sandboxd/internal/ipc"
)

// pendingTable tracks in-flight correlation ids for one Session, matching
// replies to callers by id per spec.md §4.1 ("replies matched by id").
type pendingTable struct {
	mu    sync.Mutex
	exec  map[string]chan ipc.Reply
	event map[string]chan ipc.Reply
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		exec:  make(map[string]chan ipc.Reply),
		event: make(map[string]chan ipc.Reply),
	}
}

// registerExec allocates a one-shot reply channel for a single exec call.
func (p *pendingTable) registerExec(id string) chan ipc.Reply {
	ch := make(chan ipc.Reply, 1)
	p.mu.Lock()
	p.exec[id] = ch
	p.mu.Unlock()
	return ch
}

// registerStream allocates a buffered channel fed with every stream_event
// reply carrying this id, until its consumer deletes it after a terminal
// event or rejectAll closes it.
func (p *pendingTable) registerStream(id string) chan ipc.Reply {
	ch := make(chan ipc.Reply, 64)
	p.mu.Lock()
	p.event[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingTable) deleteExec(id string) {
	p.mu.Lock()
	delete(p.exec, id)
	p.mu.Unlock()
}

func (p *pendingTable) deleteStream(id string) {
	p.mu.Lock()
	delete(p.event, id)
	p.mu.Unlock()
}

// dispatch routes one reply from the control child to its waiting caller.
// Unmatched replies (already timed out/cancelled) are dropped silently.
func (p *pendingTable) dispatch(r ipc.Reply) {
	p.mu.Lock()
	execCh, isExec := p.exec[r.ID]
	streamCh, isStream := p.event[r.ID]
	p.mu.Unlock()

	switch {
	case isExec:
		select {
		case execCh <- r:
		default:
		}
	case isStream:
		select {
		case streamCh <- r:
		default:
		}
	}
}

// rejectAll delivers a synthetic error reply to every pending caller,
// used when the control child exits (spec.md §4.1: "Child exit ... rejects
// every pending correlation with 'session terminated'").
func (p *pendingTable) rejectAll(message string) {
	p.mu.Lock()
	execs := make(map[string]chan ipc.Reply, len(p.exec))
	for id, ch := range p.exec {
		execs[id] = ch
	}
	streams := make(map[string]chan ipc.Reply, len(p.event))
	for id, ch := range p.event {
		streams[id] = ch
	}
	p.exec = make(map[string]chan ipc.Reply)
	p.event = make(map[string]chan ipc.Reply)
	p.mu.Unlock()

	for id, ch := range execs {
		select {
		case ch <- ipc.Reply{Op: ipc.ReplyError, ID: id, Error: message}:
		default:
		}
	}
	for id, ch := range streams {
		select {
		case ch <- ipc.Reply{Op: ipc.ReplyError, ID: id, Error: message}:
		default:
		}
		close(ch)
	}
}
