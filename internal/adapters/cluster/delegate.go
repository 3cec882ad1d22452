package cluster

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/memberlist"

	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
)

// eventBroadcast carries one encoded message through the gossip queue.
// Messages are never superseded, so nothing invalidates.
type eventBroadcast struct {
	id      string
	payload []byte
}

func (b *eventBroadcast) Invalidates(other memberlist.Broadcast) bool {
	existing, ok := other.(*eventBroadcast)
	return ok && existing.id == b.id
}

func (b *eventBroadcast) Message() []byte { return b.payload }
func (b *eventBroadcast) Finished()       {}

// wireMessage is the gossip envelope. Exactly one field is set per message.
type wireMessage struct {
	Event     *domain.LifecycleEvent  `json:"event,omitempty"`
	RunStatus *domain.RunStatusUpdate `json:"run_status,omitempty"`
}

func (m *wireMessage) id() string {
	if m.Event != nil {
		return m.Event.EventID
	}
	return m.RunStatus.UpdateID
}

func encodeEvent(event domain.LifecycleEvent) ([]byte, error) {
	return json.Marshal(wireMessage{Event: &event})
}

func encodeRunStatus(update domain.RunStatusUpdate) ([]byte, error) {
	return json.Marshal(wireMessage{RunStatus: &update})
}

func decodeMessage(payload []byte) (wireMessage, error) {
	var msg wireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return wireMessage{}, err
	}
	switch {
	case msg.Event != nil:
		return msg, msg.Event.Validate()
	case msg.RunStatus != nil:
		return msg, msg.RunStatus.Validate()
	default:
		return wireMessage{}, domain.ErrInvalidInput
	}
}

// gossipDelegate feeds lifecycle events through memberlist's gossip layer and
// its periodic push/pull anti-entropy sync, which is what carries the recent
// window to late joiners.
type gossipDelegate Node

func (d *gossipDelegate) node() *Node { return (*Node)(d) }

func (d *gossipDelegate) NodeMeta(limit int) []byte { return nil }

func (d *gossipDelegate) NotifyMsg(payload []byte) {
	if len(payload) == 0 {
		return
	}
	buf := append([]byte(nil), payload...)
	d.node().receive(buf)
}

func (d *gossipDelegate) GetBroadcasts(overhead, limit int) [][]byte {
	n := d.node()
	n.mu.RLock()
	queue := n.queue
	n.mu.RUnlock()
	if queue == nil {
		return nil
	}
	return queue.GetBroadcasts(overhead, limit)
}

func (d *gossipDelegate) LocalState(join bool) []byte {
	n := d.node()
	n.mu.RLock()
	defer n.mu.RUnlock()

	window := make(map[string]json.RawMessage, len(n.recent))
	now := time.Now()
	for id, entry := range n.recent {
		if now.Sub(entry.seen) <= n.cfg.Broadcast.RegossipWindow {
			window[id] = entry.payload
		}
	}
	state, err := json.Marshal(window)
	if err != nil {
		return nil
	}
	return state
}

func (d *gossipDelegate) MergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 {
		return
	}
	var window map[string]json.RawMessage
	if err := json.Unmarshal(buf, &window); err != nil {
		d.node().logger.Warn("dropping undecodable remote state", "error", err)
		return
	}
	for _, payload := range window {
		d.node().receive(payload)
	}
}

// eventDelegate translates memberlist membership transitions into the
// core-facing feed.
type eventDelegate Node

func (d *eventDelegate) node() *Node { return (*Node)(d) }

func (d *eventDelegate) NotifyJoin(member *memberlist.Node) {
	d.node().notifyMembership(domain.MembershipChange{Address: member.Address(), Joined: true})
}

func (d *eventDelegate) NotifyLeave(member *memberlist.Node) {
	d.node().notifyMembership(domain.MembershipChange{Address: member.Address(), Joined: false})
}

func (d *eventDelegate) NotifyUpdate(*memberlist.Node) {}
