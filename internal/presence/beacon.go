// Package presence tracks whether a teacher context is online. The teacher publishes on the
// teacher-presence channel; students read the mailbox once on entry and then follow notifications.
package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/bus"
	"github.com/aura-classroom/livepoll/internal/models"
)

// Beacon announces the teacher's presence.
type Beacon struct {
	bus         *bus.Bus
	teacherName string
	interval    time.Duration
	logger      *zap.Logger
}

// NewBeacon creates a beacon. A zero interval disables the heartbeat in Run.
func NewBeacon(b *bus.Bus, teacherName string, interval time.Duration, logger *zap.Logger) *Beacon {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Beacon{bus: b, teacherName: teacherName, interval: interval, logger: logger}
}

// Online publishes the online status.
func (b *Beacon) Online(ctx context.Context) error {
	return b.publish(ctx, models.PresenceOnline)
}

// Offline publishes the offline status.
func (b *Beacon) Offline(ctx context.Context) error {
	return b.publish(ctx, models.PresenceOffline)
}

func (b *Beacon) publish(ctx context.Context, status models.PresenceStatus) error {
	return b.bus.Publish(ctx, models.ChannelTeacherPresence, models.PresenceMessage{
		Status:      status,
		TeacherName: b.teacherName,
	})
}

// Run re-publishes Online every interval until ctx is done.
func (b *Beacon) Run(ctx context.Context) {
	if b.interval <= 0 {
		return
	}
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Online(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("presence heartbeat failed", zap.Error(err))
			}
		}
	}
}
