package ports

import (
	"context"

	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
)

// MembershipPort is the cluster membership feed. It delivers joined/left
// notifications with a stable per-member address and exposes the current
// live-member snapshot. The core treats the feed as a black box.
type MembershipPort interface {
	Start(ctx context.Context) error
	Stop() error

	// SelfAddress is this worker's stable address within the cluster.
	SelfAddress() string

	// Members returns the addresses of every live member, self included.
	Members() []string

	// Watch registers a listener for membership changes. Listeners must not
	// block; the feed drops no notifications for a live subscriber.
	Watch(fn func(domain.MembershipChange))
}

// BroadcastPort delivers lifecycle events and run status updates to all live
// workers, publisher included, at least once. Duplicate delivery is expected;
// consumers stay correct through idempotent materialization and mirroring.
type BroadcastPort interface {
	Start(ctx context.Context) error
	Stop() error

	Publish(event domain.LifecycleEvent) error
	Subscribe(fn func(domain.LifecycleEvent))

	// PublishRunStatus announces a run's terminal outcome. Unlike lifecycle
	// events, updates carry no ordering; they commute by run id.
	PublishRunStatus(update domain.RunStatusUpdate) error
	SubscribeRunStatus(fn func(domain.RunStatusUpdate))
}
