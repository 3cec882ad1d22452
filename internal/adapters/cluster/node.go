// Package cluster joins the worker into the gossip mesh. One memberlist
// instance backs both core-facing ports: the membership feed (joined/left
// notifications with stable addresses) and the broadcast channel carrying
// lifecycle events (at-least-once, per publisher-stream order restored on
// delivery) and unordered run status updates.
package cluster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
)

type Node struct {
	cfg    domain.Config
	logger *slog.Logger

	mu          sync.RWMutex
	list        *memberlist.Memberlist
	queue       *memberlist.TransmitLimitedQueue
	running     bool
	cancel      context.CancelFunc
	memberFns   []func(domain.MembershipChange)
	eventFns    []func(domain.LifecycleEvent)
	statusFns   []func(domain.RunStatusUpdate)
	recent      map[string]recentEvent
	ordering    map[streamKey]*streamOrdering
	selfAddress string

	// ready and readyStatus decouple subscribers from the gossip goroutines:
	// handling may block on persistence, the packet handlers must not.
	ready       chan domain.LifecycleEvent
	readyStatus chan domain.RunStatusUpdate
}

type recentEvent struct {
	payload []byte
	seen    time.Time
}

// streamKey identifies one publisher's event stream for one workflow. Seq
// counters live per node, so ordering can only ever be restored within a
// single origin's stream.
type streamKey struct {
	workflowID int64
	origin     string
}

// streamOrdering restores one stream's publish order: events arriving ahead
// of sequence wait in pending until the gap fills or ages out.
type streamOrdering struct {
	nextSeq uint64
	pending map[uint64]pendingEvent
}

type pendingEvent struct {
	event    domain.LifecycleEvent
	received time.Time
}

const pendingFlushAge = 5 * time.Second

func NewNode(cfg domain.Config, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		cfg:         cfg,
		logger:      logger.With("component", "cluster"),
		recent:      make(map[string]recentEvent),
		ordering:    make(map[streamKey]*streamOrdering),
		ready:       make(chan domain.LifecycleEvent, 4096),
		readyStatus: make(chan domain.RunStatusUpdate, 4096),
	}
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return domain.ErrAlreadyStarted
	}

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = n.cfg.NodeName
	mlCfg.BindAddr = n.cfg.BindAddr
	mlCfg.BindPort = n.cfg.BindPort
	if n.cfg.BindPort != 0 {
		mlCfg.AdvertisePort = n.cfg.BindPort
	}
	mlCfg.ProbeInterval = n.cfg.Cluster.ProbeInterval
	mlCfg.LogOutput = io.Discard
	mlCfg.Delegate = (*gossipDelegate)(n)
	mlCfg.Events = (*eventDelegate)(n)

	list, err := memberlist.Create(mlCfg)
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("create memberlist: %w", err)
	}

	n.list = list
	n.selfAddress = list.LocalNode().Address()
	n.queue = &memberlist.TransmitLimitedQueue{
		NumNodes:       list.NumMembers,
		RetransmitMult: n.cfg.Broadcast.RetransmitMult,
	}
	n.running = true

	loopCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.mu.Unlock()

	if len(n.cfg.Cluster.JoinPeers) > 0 {
		joined, err := list.Join(n.cfg.Cluster.JoinPeers)
		if err != nil {
			n.logger.Warn("join failed, starting as standalone cluster", "error", err)
		} else {
			n.logger.Info("joined cluster", "contacted", joined)
		}
	}

	go n.maintenanceLoop(loopCtx)
	go n.dispatchLoop(loopCtx)

	n.logger.Info("cluster node started", "address", n.selfAddress)
	return nil
}

func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return domain.ErrNotStarted
	}
	n.running = false
	n.cancel()
	list := n.list
	n.mu.Unlock()

	if err := list.Leave(5 * time.Second); err != nil {
		n.logger.Warn("graceful leave failed", "error", err)
	}
	return list.Shutdown()
}

func (n *Node) SelfAddress() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.selfAddress
}

func (n *Node) Members() []string {
	n.mu.RLock()
	list := n.list
	n.mu.RUnlock()
	if list == nil {
		return nil
	}

	nodes := list.Members()
	members := make([]string, 0, len(nodes))
	for _, node := range nodes {
		members = append(members, node.Address())
	}
	return members
}

func (n *Node) Watch(fn func(domain.MembershipChange)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.memberFns = append(n.memberFns, fn)
}

func (n *Node) Subscribe(fn func(domain.LifecycleEvent)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.eventFns = append(n.eventFns, fn)
}

func (n *Node) SubscribeRunStatus(fn func(domain.RunStatusUpdate)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statusFns = append(n.statusFns, fn)
}

func (n *Node) Publish(event domain.LifecycleEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}
	if err := n.broadcastPayload(event.EventID, payload); err != nil {
		return err
	}

	// The publisher is a consumer like any other worker.
	n.deliver(event)
	return nil
}

func (n *Node) PublishRunStatus(update domain.RunStatusUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}
	payload, err := encodeRunStatus(update)
	if err != nil {
		return err
	}
	if err := n.broadcastPayload(update.UpdateID, payload); err != nil {
		return err
	}

	n.enqueueStatus(update)
	return nil
}

func (n *Node) broadcastPayload(id string, payload []byte) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return domain.ErrNotStarted
	}
	n.recent[id] = recentEvent{payload: payload, seen: time.Now()}
	queue := n.queue
	n.mu.Unlock()

	queue.QueueBroadcast(&eventBroadcast{id: id, payload: payload})
	return nil
}

// maintenanceLoop re-queues recent events for the at-least-once guarantee,
// expires the dedup window, and flushes aged out-of-order events.
func (n *Node) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Broadcast.RegossipEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.regossip()
			n.flushAgedPending()
		}
	}
}

func (n *Node) regossip() {
	now := time.Now()
	n.mu.Lock()
	queue := n.queue
	var requeue []eventBroadcast
	for id, entry := range n.recent {
		if now.Sub(entry.seen) > n.cfg.Broadcast.RegossipWindow {
			delete(n.recent, id)
			continue
		}
		requeue = append(requeue, eventBroadcast{id: id, payload: entry.payload})
	}
	n.mu.Unlock()

	for i := range requeue {
		queue.QueueBroadcast(&requeue[i])
	}
}

// receive is the single entry point for messages arriving off the wire, both
// gossip packets and push/pull state merges.
func (n *Node) receive(payload []byte) {
	msg, err := decodeMessage(payload)
	if err != nil {
		n.logger.Warn("dropping undecodable broadcast", "error", err)
		return
	}

	id := msg.id()
	n.mu.Lock()
	if _, dup := n.recent[id]; dup {
		n.mu.Unlock()
		return
	}
	n.recent[id] = recentEvent{payload: payload, seen: time.Now()}
	n.mu.Unlock()

	switch {
	case msg.Event != nil:
		n.deliver(*msg.Event)
	case msg.RunStatus != nil:
		n.enqueueStatus(*msg.RunStatus)
	}
}

// deliver hands ready events to subscribers, restoring sequence order within
// each publisher's per-workflow stream. An event ahead of sequence waits until
// the gap fills; flushAgedPending releases it anyway after pendingFlushAge
// since the missing event may predate this worker's join. Idempotent
// materialization keeps late gap fills safe.
func (n *Node) deliver(event domain.LifecycleEvent) {
	key := streamKey{workflowID: event.WorkflowID, origin: event.Origin}

	n.mu.Lock()
	ord := n.ordering[key]
	if ord == nil {
		ord = &streamOrdering{pending: make(map[uint64]pendingEvent)}
		n.ordering[key] = ord
	}

	if event.Seq <= ord.nextSeq {
		n.mu.Unlock()
		return
	}
	if event.Seq > ord.nextSeq+1 {
		ord.pending[event.Seq] = pendingEvent{event: event, received: time.Now()}
		n.mu.Unlock()
		return
	}

	ready := []domain.LifecycleEvent{event}
	ord.nextSeq = event.Seq
	for {
		next, ok := ord.pending[ord.nextSeq+1]
		if !ok {
			break
		}
		delete(ord.pending, ord.nextSeq+1)
		ord.nextSeq++
		ready = append(ready, next.event)
	}
	n.mu.Unlock()

	for _, ev := range ready {
		n.enqueue(ev)
	}
}

func (n *Node) flushAgedPending() {
	now := time.Now()

	n.mu.Lock()
	var ready []domain.LifecycleEvent
	for _, ord := range n.ordering {
		var aged []uint64
		for seq, pending := range ord.pending {
			if now.Sub(pending.received) >= pendingFlushAge {
				aged = append(aged, seq)
			}
		}
		sort.Slice(aged, func(i, j int) bool { return aged[i] < aged[j] })
		for _, seq := range aged {
			pending := ord.pending[seq]
			delete(ord.pending, seq)
			if seq > ord.nextSeq {
				ord.nextSeq = seq
			}
			ready = append(ready, pending.event)
		}
		// Releasing an aged gap may make buffered successors contiguous.
		for {
			next, ok := ord.pending[ord.nextSeq+1]
			if !ok {
				break
			}
			delete(ord.pending, ord.nextSeq+1)
			ord.nextSeq++
			ready = append(ready, next.event)
		}
	}
	n.mu.Unlock()

	for _, ev := range ready {
		n.logger.Debug("flushing out-of-order event", "event_id", ev.EventID, "seq", ev.Seq)
		n.enqueue(ev)
	}
}

// enqueue hands a ready event to the dispatch loop. On overflow the event is
// forgotten from the dedup window so that regossip or push/pull redelivers it.
func (n *Node) enqueue(event domain.LifecycleEvent) {
	select {
	case n.ready <- event:
	default:
		n.mu.Lock()
		delete(n.recent, event.EventID)
		n.mu.Unlock()
		n.logger.Warn("event backlog full, deferring to redelivery", "event_id", event.EventID)
	}
}

// enqueueStatus hands a run status update to the dispatch loop. Updates are
// unordered, so overflow just forgets the dedup entry and waits for regossip.
func (n *Node) enqueueStatus(update domain.RunStatusUpdate) {
	select {
	case n.readyStatus <- update:
	default:
		n.mu.Lock()
		delete(n.recent, update.UpdateID)
		n.mu.Unlock()
		n.logger.Warn("status backlog full, deferring to redelivery", "update_id", update.UpdateID)
	}
}

func (n *Node) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-n.ready:
			n.mu.RLock()
			fns := slices.Clone(n.eventFns)
			n.mu.RUnlock()
			for _, fn := range fns {
				fn(event)
			}
		case update := <-n.readyStatus:
			n.mu.RLock()
			fns := slices.Clone(n.statusFns)
			n.mu.RUnlock()
			for _, fn := range fns {
				fn(update)
			}
		}
	}
}

func (n *Node) notifyMembership(change domain.MembershipChange) {
	n.mu.RLock()
	fns := slices.Clone(n.memberFns)
	n.mu.RUnlock()

	for _, fn := range fns {
		fn(change)
	}
}
