package bitvavo

import (
	"fmt"
	"strings"
)

// OverlapPolicy decides what happens when a request is issued while another
// one for the same channel and direction still waits for its ack.
type OverlapPolicy int

const (
	// OverlapQueue keeps every request; all of them resolve on the next ack.
	OverlapQueue OverlapPolicy = iota
	// OverlapOverwrite keeps only the newest request. The replaced completion
	// is never resolved.
	OverlapOverwrite
	// OverlapReject fails the new request immediately.
	OverlapReject
)

func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "queue":
		return OverlapQueue, nil
	case "overwrite":
		return OverlapOverwrite, nil
	case "reject":
		return OverlapReject, nil
	default:
		return OverlapQueue, fmt.Errorf("bitvavo: unknown overlap policy %q", s)
	}
}

func (p OverlapPolicy) String() string {
	switch p {
	case OverlapOverwrite:
		return "overwrite"
	case OverlapReject:
		return "reject"
	default:
		return "queue"
	}
}

type pendingKey struct {
	channel Channel
	action  Action
}

// pendingTable holds requests waiting for a server ack. It is not safe for
// concurrent use; Client guards it with its mutex.
type pendingTable struct {
	policy  OverlapPolicy
	entries map[pendingKey][]*Completion
}

func newPendingTable(policy OverlapPolicy) *pendingTable {
	return &pendingTable{policy: policy, entries: make(map[pendingKey][]*Completion)}
}

func (t *pendingTable) add(key pendingKey) (*Completion, error) {
	existing := t.entries[key]
	done := NewCompletion()
	switch {
	case len(existing) == 0:
		t.entries[key] = []*Completion{done}
	case t.policy == OverlapReject:
		return nil, fmt.Errorf("%w: %s %s", ErrRequestPending, key.action, key.channel)
	case t.policy == OverlapOverwrite:
		t.entries[key] = []*Completion{done}
	default:
		t.entries[key] = append(existing, done)
	}
	return done, nil
}

// remove drops done from the table and reports whether it was still there.
func (t *pendingTable) remove(key pendingKey, done *Completion) bool {
	list := t.entries[key]
	for i, c := range list {
		if c != done {
			continue
		}
		list = append(list[:i], list[i+1:]...)
		if len(list) == 0 {
			delete(t.entries, key)
		} else {
			t.entries[key] = list
		}
		return true
	}
	return false
}

// takeAction removes and returns every entry of the given direction, across
// all channels. Acks carry no request id, so direction is all there is.
func (t *pendingTable) takeAction(action Action) []*Completion {
	var out []*Completion
	for key, list := range t.entries {
		if key.action != action {
			continue
		}
		out = append(out, list...)
		delete(t.entries, key)
	}
	return out
}

func (t *pendingTable) drain() []*Completion {
	var out []*Completion
	for key, list := range t.entries {
		out = append(out, list...)
		delete(t.entries, key)
	}
	return out
}

func (t *pendingTable) len() int {
	n := 0
	for _, list := range t.entries {
		n += len(list)
	}
	return n
}
