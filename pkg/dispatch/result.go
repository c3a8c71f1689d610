package dispatch

import (
	"sort"

	"github.com/liliang-cn/massh/pkg/executor"
)

// Status is the summary state of one host's outcome.
type Status int

const (
	StatusSuccess Status = iota
	// StatusWarning is a command that ran but exited non-zero.
	StatusWarning
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusWarning:
		return "warning"
	default:
		return "failure"
	}
}

// ExecStatus classifies an Execute outcome.
func ExecStatus(msg ExecMessage) Status {
	switch {
	case msg.Err != nil:
		return StatusFailure
	case msg.Value != nil && msg.Value.ExitStatus != 0:
		return StatusWarning
	default:
		return StatusSuccess
	}
}

// TransferStatus classifies a Download or Upload outcome.
func TransferStatus(msg TransferMessage) Status {
	if msg.Err != nil {
		return StatusFailure
	}
	return StatusSuccess
}

// Tally counts outcomes by status.
type Tally struct {
	Success int
	Warning int
	Failure int
}

// Add counts one outcome.
func (t *Tally) Add(s Status) {
	switch s {
	case StatusSuccess:
		t.Success++
	case StatusWarning:
		t.Warning++
	default:
		t.Failure++
	}
}

// Total returns the number of outcomes counted.
func (t Tally) Total() int {
	return t.Success + t.Warning + t.Failure
}

// OK reports whether no host failed.
func (t Tally) OK() bool {
	return t.Failure == 0
}

// Results are the outcomes of one operation keyed by host identity string.
type Results[T any] map[string]executor.Message[T]

// Drain reads ch until it is closed.
func Drain[T any](ch <-chan executor.Message[T]) Results[T] {
	results := make(Results[T])
	for msg := range ch {
		results[msg.Host.String()] = msg
	}
	return results
}

// Hosts returns the identity strings in sorted order.
func (r Results[T]) Hosts() []string {
	hosts := make([]string, 0, len(r))
	for h := range r {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Failed returns the sorted identity strings of hosts with an error.
func (r Results[T]) Failed() []string {
	var failed []string
	for h, msg := range r {
		if msg.Err != nil {
			failed = append(failed, h)
		}
	}
	sort.Strings(failed)
	return failed
}

// AllSuccess reports whether no host returned an error.
func (r Results[T]) AllSuccess() bool {
	for _, msg := range r {
		if msg.Err != nil {
			return false
		}
	}
	return true
}
