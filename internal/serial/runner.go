// Package serial provides a non-blocking executor that runs submitted tasks one
// at a time on whichever goroutine happens to hold its token.
package serial

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"example.com/bytebody/internal/logger"
)

// node is an element of the intrusive MPSC queue.
type node struct {
	next atomic.Pointer[node]
	task func()
}

// Runner serializes tasks without ever blocking a submitter. Tasks are pushed
// onto a lock-free multi-producer queue; the submitter that wins the owner token
// drains the queue and every other submitter returns immediately, leaving its
// task to the current owner.
//
// Tasks submitted from one goroutine run in submission order. A task may call
// Submit itself; the nested task is appended to the queue and runs in the same
// drain, after the current task returns.
type Runner struct {
	// head is the most recently pushed node (producer side).
	head atomic.Pointer[node]
	// tail is the consumer-side sentinel; only the token owner advances it.
	tail atomic.Pointer[node]

	owner atomic.Bool
	log   *logger.Logger
}

// NewRunner creates an idle runner. A nil logger discards panic reports.
func NewRunner(log *logger.Logger) *Runner {
	stub := &node{}
	r := &Runner{log: log}
	r.head.Store(stub)
	r.tail.Store(stub)
	return r
}

// Submit queues task and runs the queue if no other goroutine is doing so.
func (r *Runner) Submit(task func()) {
	if task == nil {
		return
	}
	n := &node{task: task}
	prev := r.head.Swap(n)
	prev.next.Store(n)

	for {
		if !r.owner.CompareAndSwap(false, true) {
			// The owner re-checks the queue after releasing, so our task is not lost.
			return
		}
		r.drain()
		r.owner.Store(false)
		if !r.pending() {
			return
		}
	}
}

// Running reports whether some goroutine currently holds the token.
func (r *Runner) Running() bool {
	return r.owner.Load()
}

func (r *Runner) drain() {
	for {
		task := r.pop()
		if task == nil {
			return
		}
		r.run(task)
	}
}

// pop removes the oldest linked task. Only the token owner calls it.
func (r *Runner) pop() func() {
	t := r.tail.Load()
	next := t.next.Load()
	if next == nil {
		return nil
	}
	r.tail.Store(next)
	task := next.task
	next.task = nil
	return task
}

// pending reports whether a linked task is waiting. A node whose producer has
// swapped head but not linked it yet is not pending; that producer will try the
// token itself once it links.
func (r *Runner) pending() bool {
	return r.tail.Load().next.Load() != nil
}

func (r *Runner) run(task func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Recovered panic in serialized task", logger.LogFields{
				"panic": fmt.Sprint(rec),
				"stack": string(debug.Stack()),
			})
		}
	}()
	task()
}
