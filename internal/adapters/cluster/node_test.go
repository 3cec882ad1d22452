package cluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
	"github.com/stretchr/testify/require"
)

func testConfig(name string) domain.Config {
	cfg := domain.Config{NodeName: name, BindAddr: "127.0.0.1", BindPort: 0}
	_ = cfg.ApplyDefaults()
	cfg.BindPort = 0
	return cfg
}

func triggerEvent(eventID string, workflowID int64, seq uint64) domain.LifecycleEvent {
	return originEvent(eventID, workflowID, "origin-1", seq)
}

func originEvent(eventID string, workflowID int64, origin string, seq uint64) domain.LifecycleEvent {
	return domain.LifecycleEvent{
		EventID:    eventID,
		WorkflowID: workflowID,
		Origin:     origin,
		Seq:        seq,
		Op:         domain.OpManualTrigger,
		Trigger: &domain.TriggerPayload{
			Workflow: domain.Workflow{ID: workflowID, Name: "wf"},
			Jobs:     []domain.Job{{ID: 1, WorkflowID: workflowID, Name: "only", Handler: "noop"}},
		},
	}
}

func statusUpdate(updateID string, runID int64) domain.RunStatusUpdate {
	return domain.RunStatusUpdate{
		UpdateID:      updateID,
		RunID:         runID,
		WorkflowRunID: 10,
		WorkflowID:    1,
		Status:        domain.RunCompleted,
	}
}

func drainReady(t *testing.T, n *Node, want int) []domain.LifecycleEvent {
	t.Helper()
	events := make([]domain.LifecycleEvent, 0, want)
	for len(events) < want {
		select {
		case ev := <-n.ready:
			events = append(events, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", len(events)+1, want)
		}
	}
	return events
}

func drainReadyStatus(t *testing.T, n *Node, want int) []domain.RunStatusUpdate {
	t.Helper()
	updates := make([]domain.RunStatusUpdate, 0, want)
	for len(updates) < want {
		select {
		case update := <-n.readyStatus:
			updates = append(updates, update)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for update %d of %d", len(updates)+1, want)
		}
	}
	return updates
}

func TestDeliverRestoresSequenceOrder(t *testing.T) {
	n := NewNode(testConfig("order"), nil)

	n.deliver(triggerEvent("e1", 1, 1))
	n.deliver(triggerEvent("e3", 1, 3))
	n.deliver(triggerEvent("e2", 1, 2))

	events := drainReady(t, n, 3)
	require.Equal(t, []string{"e1", "e2", "e3"}, []string{
		events[0].EventID, events[1].EventID, events[2].EventID,
	})
}

func TestDeliverDropsStaleSequence(t *testing.T) {
	n := NewNode(testConfig("stale"), nil)

	n.deliver(triggerEvent("e2", 1, 2))
	n.deliver(triggerEvent("e2-again", 1, 2))
	n.deliver(triggerEvent("e1-late", 1, 1))

	events := drainReady(t, n, 1)
	require.Equal(t, "e2", events[0].EventID)
	require.Empty(t, n.ready)
}

func TestDeliverIndependentWorkflows(t *testing.T) {
	n := NewNode(testConfig("independent"), nil)

	// A gap in workflow 1 must not hold back workflow 2.
	n.deliver(triggerEvent("wf1-e1", 1, 1))
	n.deliver(triggerEvent("wf1-e3", 1, 3))
	n.deliver(triggerEvent("wf2-e1", 2, 1))

	events := drainReady(t, n, 2)
	require.Equal(t, "wf1-e1", events[0].EventID)
	require.Equal(t, "wf2-e1", events[1].EventID)
}

func TestDeliverIndependentOrigins(t *testing.T) {
	n := NewNode(testConfig("origins"), nil)

	// Two publishers count their own sequences for the same workflow. A gap
	// in one publisher's stream must not hold back the other's.
	n.deliver(originEvent("a-e2", 1, "node-a", 2))
	n.deliver(originEvent("b-e1", 1, "node-b", 1))

	events := drainReady(t, n, 1)
	require.Equal(t, "b-e1", events[0].EventID)
}

func TestReceiveDeduplicatesByEventID(t *testing.T) {
	n := NewNode(testConfig("dedup"), nil)

	payload, err := encodeEvent(triggerEvent("dup", 1, 1))
	require.NoError(t, err)

	n.receive(payload)
	n.receive(payload)

	events := drainReady(t, n, 1)
	require.Equal(t, "dup", events[0].EventID)
	require.Empty(t, n.ready)
}

func TestReceiveDeduplicatesRunStatusByUpdateID(t *testing.T) {
	n := NewNode(testConfig("status-dedup"), nil)

	payload, err := encodeRunStatus(statusUpdate("u1", 500))
	require.NoError(t, err)

	n.receive(payload)
	n.receive(payload)

	updates := drainReadyStatus(t, n, 1)
	require.Equal(t, "u1", updates[0].UpdateID)
	require.Equal(t, int64(500), updates[0].RunID)
	require.Empty(t, n.readyStatus)
}

func TestDecodeMessageRejectsMalformedPayloads(t *testing.T) {
	_, err := decodeMessage([]byte("not json"))
	require.Error(t, err)

	// An envelope carrying neither kind.
	_, err = decodeMessage([]byte(`{}`))
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	// Valid JSON, invalid event: op without matching payload.
	_, err = decodeMessage([]byte(`{"event":{"event_id":"e","origin":"n","op":"KILL","seq":1}}`))
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	// Run status with a non-terminal status.
	_, err = decodeMessage([]byte(`{"run_status":{"update_id":"u","run_id":5,"status":"RUNNING"}}`))
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTwoNodeGossip(t *testing.T) {
	if testing.Short() {
		t.Skip("networked test")
	}

	ctx := context.Background()

	first := NewNode(testConfig("node-1"), nil)
	require.NoError(t, first.Start(ctx))
	defer first.Stop()

	secondCfg := testConfig("node-2")
	secondCfg.Cluster.JoinPeers = []string{first.SelfAddress()}
	second := NewNode(secondCfg, nil)
	require.NoError(t, second.Start(ctx))
	defer second.Stop()

	require.Eventually(t, func() bool {
		return len(first.Members()) == 2 && len(second.Members()) == 2
	}, 5*time.Second, 50*time.Millisecond, "nodes never converged")

	received := make(chan domain.LifecycleEvent, 1)
	second.Subscribe(func(ev domain.LifecycleEvent) { received <- ev })
	statuses := make(chan domain.RunStatusUpdate, 1)
	second.SubscribeRunStatus(func(update domain.RunStatusUpdate) { statuses <- update })

	require.NoError(t, first.Publish(triggerEvent("gossip-1", 42, 1)))

	select {
	case ev := <-received:
		require.Equal(t, "gossip-1", ev.EventID)
		require.Equal(t, int64(42), ev.WorkflowID)
	case <-time.After(5 * time.Second):
		t.Fatal("event never reached the second node")
	}

	require.NoError(t, first.PublishRunStatus(statusUpdate("gossip-s1", 77)))

	select {
	case update := <-statuses:
		require.Equal(t, "gossip-s1", update.UpdateID)
		require.Equal(t, int64(77), update.RunID)
	case <-time.After(5 * time.Second):
		t.Fatal("run status never reached the second node")
	}
}

func TestMembershipWatch(t *testing.T) {
	if testing.Short() {
		t.Skip("networked test")
	}

	ctx := context.Background()

	first := NewNode(testConfig("watch-1"), nil)
	changes := make(chan domain.MembershipChange, 8)
	first.Watch(func(change domain.MembershipChange) { changes <- change })
	require.NoError(t, first.Start(ctx))
	defer first.Stop()

	secondCfg := testConfig("watch-2")
	secondCfg.Cluster.JoinPeers = []string{first.SelfAddress()}
	second := NewNode(secondCfg, nil)
	require.NoError(t, second.Start(ctx))

	var joined domain.MembershipChange
	require.Eventually(t, func() bool {
		for {
			select {
			case change := <-changes:
				if change.Joined && change.Address == second.SelfAddress() {
					joined = change
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 50*time.Millisecond)
	require.True(t, joined.Joined)

	require.NoError(t, second.Stop())
	require.Eventually(t, func() bool {
		for {
			select {
			case change := <-changes:
				if !change.Joined && change.Address == joined.Address {
					return true
				}
			default:
				return false
			}
		}
	}, 10*time.Second, 100*time.Millisecond, "leave never observed")
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	n := NewNode(testConfig("invalid"), nil)
	err := n.Publish(domain.LifecycleEvent{EventID: "x", Op: domain.OpKill})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestPublishRequiresStart(t *testing.T) {
	n := NewNode(testConfig("stopped"), nil)
	err := n.Publish(triggerEvent(fmt.Sprintf("e-%d", time.Now().UnixNano()), 1, 1))
	require.ErrorIs(t, err, domain.ErrNotStarted)
}

func TestPublishRunStatusRequiresStart(t *testing.T) {
	n := NewNode(testConfig("status-stopped"), nil)
	err := n.PublishRunStatus(statusUpdate("u-stopped", 1))
	require.ErrorIs(t, err, domain.ErrNotStarted)
}
