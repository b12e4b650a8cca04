package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/workspace-pooler/protocol"
	"github.com/abdelmounim-dev/workspace-pooler/token"
)

func softShutdown(m *Manager, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workspaces[key].softShutdown
}

func TestInterval_IdleWorkspaceReclaimedAfterCountdown(t *testing.T) {
	m := newTestManager(t, func(o *Options) { o.SoftShutdownTicks = 3 })
	ctx := context.Background()
	a, _ := admit(t, m, userToken("a@example.com", "w1"), "sa")
	hello(t, m, a)
	m.CloseSocket(ctx, a)

	m.handleInterval(ctx)
	m.handleInterval(ctx)
	assert.Equal(t, 1, softShutdown(m, "w1"))

	// an admission in between resets the countdown
	b, _ := admit(t, m, userToken("b@example.com", "w1"), "sb")
	assert.Equal(t, 3, softShutdown(m, "w1"))
	hello(t, m, b)
	m.CloseSocket(ctx, b)

	m.handleInterval(ctx)
	m.handleInterval(ctx)
	require.NotNil(t, workspaceOf(m, "w1"))

	m.handleInterval(ctx)
	assert.Eventually(t, func() bool { return workspaceOf(m, "w1") == nil }, time.Second, 5*time.Millisecond)
}

func TestInterval_BusyWorkspaceKeepsFullCountdown(t *testing.T) {
	m := newTestManager(t, func(o *Options) { o.SoftShutdownTicks = 3 })
	a, _ := admit(t, m, userToken("a@example.com", "w1"), "sa")
	hello(t, m, a)

	for i := 0; i < 5; i++ {
		m.handleInterval(context.Background())
	}
	assert.Equal(t, 3, softShutdown(m, "w1"))
}

func TestInterval_HandshakeTimeout(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, func(o *Options) {
		o.Clock = clock.Now
		o.HandshakeTimeout = 30 * time.Second
	})
	silent, _ := admit(t, m, userToken("a@example.com", "w1"), "sa")
	polite, _ := admit(t, m, userToken("b@example.com", "w1"), "sb")
	hello(t, m, polite)

	clock.Advance(31 * time.Second)
	m.handleInterval(context.Background())

	assert.True(t, silent.IsClosed())
	assert.False(t, polite.IsClosed())
	assert.Equal(t, 1, sessionCount(m, "w1"))
}

func TestInterval_PingsIdleSessions(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, func(o *Options) { o.Clock = clock.Now })
	a, _ := admit(t, m, userToken("a@example.com", "w1"), "sa")
	hello(t, m, a)

	clock.Advance(10 * time.Second)
	m.handleInterval(context.Background())
	assert.Empty(t, a.notices(protocol.NoticePing))

	clock.Advance(15 * time.Second)
	m.handleInterval(context.Background())
	assert.Len(t, a.notices(protocol.NoticePing), 1)
	assert.False(t, a.IsClosed())
}

func TestInterval_SystemSessionPingedOnlyWithinHungTimeout(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, func(o *Options) {
		o.Clock = clock.Now
		o.HungCheckEveryTicks = 100
	})
	system, _ := admit(t, m, userToken(token.SystemAccount, "w1"), "sys")
	hello(t, m, system)

	clock.Advance(25 * time.Second)
	m.handleInterval(context.Background())
	require.Len(t, system.notices(protocol.NoticePing), 1)

	clock.Advance(40 * time.Second)
	m.handleInterval(context.Background())
	assert.Len(t, system.notices(protocol.NoticePing), 1, "idle past the hung timeout")
	assert.False(t, system.IsClosed())
}

func TestInterval_ClosesHungSessionsOnCheckTick(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, func(o *Options) {
		o.Clock = clock.Now
		o.HungCheckEveryTicks = 3
	})
	user, _ := admit(t, m, userToken("a@example.com", "w1"), "sa")
	system, _ := admit(t, m, userToken(token.SystemAccount, "w1"), "sys")
	hello(t, m, user)
	hello(t, m, system)

	clock.Advance(61 * time.Second)
	m.handleInterval(context.Background())
	m.handleInterval(context.Background())
	assert.False(t, user.IsClosed(), "hung check only runs every third tick")

	m.handleInterval(context.Background())
	assert.True(t, user.IsClosed())
	assert.False(t, system.IsClosed())
	assert.Equal(t, 1, sessionCount(m, "w1"))
}

func TestInterval_MaintenanceCountdown(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, func(o *Options) { o.Clock = clock.Now })
	a, _ := admit(t, m, userToken("a@example.com", "w1"), "sa")
	hello(t, m, a)

	m.ScheduleMaintenance(context.Background(), 2)
	require.Len(t, a.notices(protocol.NoticeMaintenance), 1)

	clock.Advance(30 * time.Second)
	m.handleInterval(context.Background())
	notices := a.notices(protocol.NoticeMaintenance)
	require.Len(t, notices, 2)
	assert.Equal(t, 2, notices[1].Minutes)

	clock.Advance(time.Minute)
	m.handleInterval(context.Background())
	notices = a.notices(protocol.NoticeMaintenance)
	require.Len(t, notices, 3)
	assert.Equal(t, 1, notices[2].Minutes)

	clock.Advance(time.Minute)
	m.handleInterval(context.Background())
	assert.Len(t, a.notices(protocol.NoticeMaintenance), 3)
	assert.Zero(t, m.Stats().MaintenanceMinutes)
}

func TestInterval_RollsTrafficWindow(t *testing.T) {
	m := newTestManager(t, func(o *Options) {
		o.TickInterval = time.Second
		o.TrafficWindow = 2 * time.Second
	})
	a, adm := admit(t, m, userToken("a@example.com", "w1"), "sa")
	hello(t, m, a)

	m.handleInterval(context.Background())
	cur, _ := adm.Session.traffic()
	assert.EqualValues(t, 1, cur.Requests)

	m.handleInterval(context.Background())
	cur, five := adm.Session.traffic()
	assert.Zero(t, cur.Requests)
	assert.EqualValues(t, 1, five.Requests)
}
