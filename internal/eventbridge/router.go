package eventbridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/engine"
)

// AllInstances subscribes to events of every instance.
const AllInstances = "*"

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
	defaultBacklogInstances   = 256
	defaultDedupeWindow       = 1024
)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router delivers engine events to per-instance subscribers with buffering,
// deduplication and bounded channel semantics. It implements
// engine.Notifier and never blocks the caller.
type Router struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      map[string][]engine.Event
	backlogOrder []string
	recentIDs    map[string]struct{}
	recentOrder  []string
	channelSize  int
	backlogLimit int
	backlogKeys  int
	dedupeWindow int
	logger       *slog.Logger
}

var _ engine.Notifier = (*Router)(nil)

// Subscription represents an active subscription.
type Subscription struct {
	Events <-chan engine.Event
	cancel func()
}

// Close terminates the subscription and closes Events.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router with sane defaults.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]engine.Event{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		backlogKeys:  defaultBacklogInstances,
		dedupeWindow: defaultDedupeWindow,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger injects a logger for drop diagnostics.
func RouterWithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// RouterWithSubscriberCapacity overrides the buffered channel size per subscriber.
func RouterWithSubscriberCapacity(cap int) RouterOption {
	return func(r *Router) {
		if cap > 0 {
			r.channelSize = cap
		}
	}
}

// RouterWithBacklogLimit overrides how many events are kept for an instance
// nobody has subscribed to yet.
func RouterWithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogLimit = limit
		}
	}
}

// RouterWithDedupeWindow controls how many recent event IDs are retained.
func RouterWithDedupeWindow(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.dedupeWindow = size
		}
	}
}

// Subscribe registers for events of one instance, or of every instance with
// AllInstances. Backlogged events of the instance are delivered first.
func (r *Router) Subscribe(instanceID string) Subscription {
	key := normalizeKey(instanceID)
	sub := newSubscriber(r.channelSize, r.logger)
	var backlog []engine.Event
	r.mu.Lock()
	if r.subscribers[key] == nil {
		r.subscribers[key] = map[*subscriber]struct{}{}
	}
	r.subscribers[key][sub] = struct{}{}
	if existing := r.backlog[key]; len(existing) > 0 {
		backlog = append(backlog, existing...)
		r.dropBacklog(key)
	}
	r.mu.Unlock()
	for _, event := range backlog {
		sub.deliver(event)
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			r.removeSubscriber(key, sub)
		},
	}
}

// Send implements engine.Notifier.
func (r *Router) Send(_ context.Context, event engine.Event) {
	r.Route(event)
}

// Route delivers the event to its instance's subscribers and to wildcard
// subscribers. Without an instance subscriber the event is backlogged.
func (r *Router) Route(event engine.Event) {
	if event.ID != "" && r.isDuplicate(event.ID) {
		return
	}
	key := normalizeKey(event.InstanceID)
	if key == "" {
		return
	}
	r.mu.RLock()
	subs := r.snapshotSubscribers(key)
	watchers := r.snapshotSubscribers(AllInstances)
	r.mu.RUnlock()
	if len(subs) == 0 {
		r.bufferEvent(key, event)
	}
	for _, sub := range subs {
		sub.deliver(event)
	}
	for _, sub := range watchers {
		sub.deliver(event)
	}
}

func (r *Router) snapshotSubscribers(key string) []*subscriber {
	live := r.subscribers[key]
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (r *Router) removeSubscriber(key string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.subscribers[key]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.subscribers, key)
		}
	}
	sub.close()
}

func (r *Router) bufferEvent(key string, event engine.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue, ok := r.backlog[key]
	if !ok {
		if len(r.backlogOrder) >= r.backlogKeys {
			r.dropBacklog(r.backlogOrder[0])
		}
		r.backlogOrder = append(r.backlogOrder, key)
	}
	if len(queue) >= r.backlogLimit {
		queue = queue[1:]
		r.logger.Debug("eventbridge: backlog drop", "instance", key, "limit", r.backlogLimit)
	}
	r.backlog[key] = append(queue, event)
}

// dropBacklog must be called with mu held.
func (r *Router) dropBacklog(key string) {
	delete(r.backlog, key)
	for i, candidate := range r.backlogOrder {
		if candidate == key {
			r.backlogOrder = append(r.backlogOrder[:i], r.backlogOrder[i+1:]...)
			break
		}
	}
}

func (r *Router) isDuplicate(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recentIDs[eventID]; ok {
		return true
	}
	r.recentIDs[eventID] = struct{}{}
	r.recentOrder = append(r.recentOrder, eventID)
	if len(r.recentOrder) > r.dedupeWindow {
		oldest := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recentIDs, oldest)
	}
	return false
}

func normalizeKey(instanceID string) string {
	return strings.TrimSpace(instanceID)
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan engine.Event
	logger *slog.Logger
	closed bool
}

func newSubscriber(capacity int, logger *slog.Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan engine.Event, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan engine.Event {
	return s.ch
}

// deliver holds mu for the whole exchange so close cannot race a send and
// concurrent producers cannot both drain the same slot.
func (s *subscriber) deliver(event engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	var oldest engine.Event
	select {
	case oldest = <-s.ch:
	default:
		// The reader drained the queue in between.
		s.ch <- event
		return
	}
	if shouldDropOldest(oldest, event) {
		s.logDrop(oldest, "queue overflow")
		s.ch <- event
	} else {
		s.ch <- oldest
		s.logDrop(event, "queue overflow:incoming")
	}
}

func (s *subscriber) logDrop(event engine.Event, reason string) {
	s.logger.Warn("eventbridge: dropped event", "type", event.Type, "instance", event.InstanceID, "reason", reason)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func shouldDropOldest(oldest, incoming engine.Event) bool {
	oldestCritical := isCriticalEvent(oldest)
	incomingCritical := isCriticalEvent(incoming)
	switch {
	case oldestCritical && !incomingCritical:
		return false
	case !oldestCritical && incomingCritical:
		return true
	}
	oldestPreferred := isPreferredDrop(oldest.Type)
	incomingPreferred := isPreferredDrop(incoming.Type)
	if oldestPreferred && !incomingPreferred {
		return true
	}
	if !oldestPreferred && incomingPreferred {
		return false
	}
	return true
}

// isCriticalEvent marks events a watcher cannot reconstruct from later ones:
// approval requests and terminal status changes.
func isCriticalEvent(event engine.Event) bool {
	switch event.Type {
	case engine.EventApprovalRequested, engine.EventApprovalEscalated:
		return true
	case engine.EventInstanceStatus:
		return workflow.InstanceStatus(event.Status).IsTerminal()
	}
	return false
}

func isPreferredDrop(kind engine.EventType) bool {
	return kind == engine.EventStageStarted || kind == engine.EventStageRetrying
}
