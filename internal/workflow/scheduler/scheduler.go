package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Selector is the contract the workflow engine uses to pick stages and to
// hand global capacity back.
type Selector interface {
	// Runnable reserves global slots for the stages it returns.
	Runnable(RunnableRequest) RunnableBatch
	// Release frees n slots and reports the instances that were granted one.
	Release(n int) []string
	// Return gives an instance back the slots of an abandoned batch.
	Return(instanceID string, n int)
	// Forfeit frees slots granted to an instance that it did not claim.
	Forfeit(instanceID string) []string
	// Drop forgets a finished instance and frees its grants.
	Drop(instanceID string) []string
}

// Scheduler picks runnable stages for one instance at a time while enforcing
// a process-wide concurrency cap shared by every instance. Stages refused a
// global slot wait in a queue ordered by readiness time. A freed slot goes to
// the head of that queue as a grant held for its instance, so no later
// caller can take it first.
type Scheduler struct {
	slots *semaphore.Weighted

	mu     sync.Mutex
	queue  []waiter
	seq    uint64
	grants map[string]int
}

var _ Selector = (*Scheduler)(nil)

type waiter struct {
	instance string
	stage    string
	readyAt  time.Time
	seq      uint64
}

// New creates a scheduler. globalLimit <= 0 disables the global cap.
func New(globalLimit int) *Scheduler {
	s := &Scheduler{grants: map[string]int{}}
	if globalLimit > 0 {
		s.slots = semaphore.NewWeighted(int64(globalLimit))
	}
	return s
}

// Candidate is a stage that may be dispatched.
type Candidate struct {
	ID string
	// Index is the stage's position in the definition; it breaks ReadyAt ties.
	Index int
	// ReadyAt is when the stage became dispatchable.
	ReadyAt time.Time
}

// RunnableRequest captures the current runtime state plus any scheduling
// constraints for one instance.
type RunnableRequest struct {
	InstanceID string
	Candidates []Candidate
	// MaxParallel caps how many stages of the instance may be dispatched at
	// once, including the stages listed in Running. Values <= 0 disable the
	// limit.
	MaxParallel int
	// Running lists stages currently dispatched to an agent.
	Running []string
	// ManualGates describes gate stages that are still awaiting a decision.
	ManualGates map[string]ManualGateState
}

// ManualGateState records whether a manual approval is required before a stage
// may run.
type ManualGateState struct {
	Required bool
	Approved bool
	Note     string
}

// RunnableBatch describes the scheduler's decision. Every ID in Stages holds
// one global slot that must be returned through Release when the dispatch
// ends, or through Return when the batch is abandoned.
type RunnableBatch struct {
	Stages  []string
	Skipped map[string]SkipReason
	// Woken lists instances granted slots this instance could not use.
	Woken []string
}

// SkipReason explains why a candidate was excluded from the runnable set.
type SkipReason struct {
	Reason SkipReasonCode
	Detail string
}

// SkipReasonCode enumerates scheduler skip reasons.
type SkipReasonCode string

const (
	SkipReasonManualGate  SkipReasonCode = "manual-gate"
	SkipReasonConcurrency SkipReasonCode = "concurrency"
	SkipReasonGlobalLimit SkipReasonCode = "global-limit"
	SkipReasonActive      SkipReasonCode = "already-running"
)

// Runnable returns the candidates to dispatch now, oldest ready first.
func (s *Scheduler) Runnable(req RunnableRequest) RunnableBatch {
	queue := newRunnableQueue(req.Candidates)
	running := req.runningSet()
	manual := req.manualGateSet()
	limit := req.parallelLimit(queue.Len(), len(running))
	result := RunnableBatch{}

	s.mu.Lock()
	defer s.mu.Unlock()
	for queue.Len() > 0 {
		candidate := queue.Pop()
		if _, runningAlready := running[candidate.ID]; runningAlready {
			result.addSkip(candidate.ID, SkipReason{Reason: SkipReasonActive, Detail: "stage already running"})
			continue
		}
		if gate, ok := manual[candidate.ID]; ok && gate.Required && !gate.Approved {
			note := gate.Note
			if note == "" {
				note = "awaiting manual approval"
			}
			result.addSkip(candidate.ID, SkipReason{Reason: SkipReasonManualGate, Detail: note})
			continue
		}
		if len(result.Stages) >= limit {
			result.addSkip(candidate.ID, SkipReason{Reason: SkipReasonConcurrency, Detail: fmt.Sprintf("max parallel %d reached", req.MaxParallel)})
			continue
		}
		if !s.acquireLocked(req.InstanceID) {
			result.addSkip(candidate.ID, SkipReason{Reason: SkipReasonGlobalLimit, Detail: "global concurrency limit reached"})
			s.enqueueLocked(req.InstanceID, candidate)
			continue
		}
		s.dequeueLocked(req.InstanceID, candidate.ID)
		result.Stages = append(result.Stages, candidate.ID)
	}
	if s.grants[req.InstanceID] > 0 {
		result.Woken = s.forfeitLocked(req.InstanceID)
	}
	return result
}

// Release returns n global slots. Each slot goes to the oldest queued stage
// as a grant for its instance; the granted instances are reported in queue
// order so the engine can wake them.
func (s *Scheduler) Release(n int) []string {
	if n <= 0 || s.slots == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handOutLocked(n)
}

// Return credits n slots of an abandoned batch back to instanceID so a retry
// of the same decision keeps its place.
func (s *Scheduler) Return(instanceID string, n int) {
	if n <= 0 || s.slots == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[instanceID] += n
}

// Forfeit hands slots granted to instanceID, and not yet claimed by a
// Runnable call, to the next waiters.
func (s *Scheduler) Forfeit(instanceID string) []string {
	if s.slots == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forfeitLocked(instanceID)
}

// Drop removes every queued stage of instanceID and forfeits its grants.
func (s *Scheduler) Drop(instanceID string) []string {
	if s.slots == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queue[:0]
	for _, w := range s.queue {
		if w.instance != instanceID {
			kept = append(kept, w)
		}
	}
	s.queue = kept
	return s.forfeitLocked(instanceID)
}

func (s *Scheduler) acquireLocked(instanceID string) bool {
	if s.slots == nil {
		return true
	}
	if s.grants[instanceID] > 0 {
		s.grants[instanceID]--
		if s.grants[instanceID] == 0 {
			delete(s.grants, instanceID)
		}
		return true
	}
	if s.waitingOthersLocked(instanceID) {
		return false
	}
	return s.slots.TryAcquire(1)
}

// waitingOthersLocked reports whether a stage of another instance is queued.
// A free slot is never taken past such a waiter.
func (s *Scheduler) waitingOthersLocked(instanceID string) bool {
	for _, w := range s.queue {
		if w.instance != instanceID {
			return true
		}
	}
	return false
}

func (s *Scheduler) forfeitLocked(instanceID string) []string {
	n := s.grants[instanceID]
	if n == 0 {
		return nil
	}
	delete(s.grants, instanceID)
	return s.handOutLocked(n)
}

// handOutLocked passes n held slots to the queue head, releasing whatever is
// left once the queue is empty.
func (s *Scheduler) handOutLocked(n int) []string {
	var woken []string
	seen := map[string]bool{}
	for ; n > 0 && len(s.queue) > 0; n-- {
		head := s.queue[0]
		s.queue = s.queue[1:]
		s.grants[head.instance]++
		if !seen[head.instance] {
			seen[head.instance] = true
			woken = append(woken, head.instance)
		}
	}
	if n > 0 {
		s.slots.Release(int64(n))
	}
	return woken
}

// enqueueLocked inserts a refused stage, keeping the queue ordered by
// readiness time and then arrival. Candidates of one request arrive in
// definition order.
func (s *Scheduler) enqueueLocked(instanceID string, c Candidate) {
	if instanceID == "" || s.slots == nil {
		return
	}
	for _, w := range s.queue {
		if w.instance == instanceID && w.stage == c.ID {
			return
		}
	}
	s.seq++
	w := waiter{instance: instanceID, stage: c.ID, readyAt: c.ReadyAt, seq: s.seq}
	pos := sort.Search(len(s.queue), func(i int) bool {
		q := s.queue[i]
		if !q.readyAt.Equal(w.readyAt) {
			return q.readyAt.After(w.readyAt)
		}
		return q.seq > w.seq
	})
	s.queue = append(s.queue, waiter{})
	copy(s.queue[pos+1:], s.queue[pos:])
	s.queue[pos] = w
}

func (s *Scheduler) dequeueLocked(instanceID, stage string) {
	for i, w := range s.queue {
		if w.instance == instanceID && w.stage == stage {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (req RunnableRequest) runningSet() map[string]struct{} {
	if len(req.Running) == 0 {
		return map[string]struct{}{}
	}
	set := make(map[string]struct{}, len(req.Running))
	for _, id := range req.Running {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

func (req RunnableRequest) manualGateSet() map[string]ManualGateState {
	if len(req.ManualGates) == 0 {
		return map[string]ManualGateState{}
	}
	set := make(map[string]ManualGateState, len(req.ManualGates))
	for id, state := range req.ManualGates {
		if id == "" {
			continue
		}
		set[id] = state
	}
	return set
}

func (req RunnableRequest) parallelLimit(queueLen int, runningCount int) int {
	limit := queueLen
	if req.MaxParallel > 0 {
		remaining := req.MaxParallel - runningCount
		if remaining <= 0 {
			return 0
		}
		if limit > remaining {
			limit = remaining
		}
	}
	return limit
}

func (b *RunnableBatch) addSkip(id string, reason SkipReason) {
	if id == "" {
		return
	}
	if b.Skipped == nil {
		b.Skipped = make(map[string]SkipReason)
	}
	b.Skipped[id] = reason
}

type runnableQueue struct {
	candidates []Candidate
}

func newRunnableQueue(candidates []Candidate) *runnableQueue {
	if len(candidates) == 0 {
		return &runnableQueue{}
	}
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].ReadyAt.Equal(ordered[j].ReadyAt) {
			return ordered[i].ReadyAt.Before(ordered[j].ReadyAt)
		}
		return ordered[i].Index < ordered[j].Index
	})
	return &runnableQueue{candidates: ordered}
}

func (q *runnableQueue) Len() int {
	return len(q.candidates)
}

func (q *runnableQueue) Pop() Candidate {
	candidate := q.candidates[0]
	q.candidates = q.candidates[1:]
	return candidate
}
