package audit

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gifguard/internal/gateway/gatewaytest"
	"github.com/MarcoPoloResearchLab/gifguard/internal/store"
	"github.com/MarcoPoloResearchLab/gifguard/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingRunner struct {
	release chan struct{}
	err     error
}

func (r *blockingRunner) ReconcileMessageCounts(ctx context.Context) (MessageReport, error) {
	select {
	case <-r.release:
		return MessageReport{Messages: 1, Authors: 1, Channels: 1}, r.err
	case <-ctx.Done():
		return MessageReport{}, ctx.Err()
	}
}

func (r *blockingRunner) ReconcileDisplayNames(ctx context.Context) (NameReport, error) {
	select {
	case <-r.release:
		return NameReport{Checked: 1200}, r.err
	case <-ctx.Done():
		return NameReport{}, ctx.Err()
	}
}

func waitFor(t *testing.T, manager *Manager, id string) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := manager.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

func TestMessageAuditReportsPartialCompletion(t *testing.T) {
	moderationStore := storetest.New(t)
	fake := forbiddenChannelGuild()
	reconciler := newReconciler(t, moderationStore, fake, 100)
	manager, err := NewManager(ManagerConfig{Runner: reconciler, Notifier: fake})
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	accepted, err := manager.Start(KindMessages, "owner", "ops")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, accepted.State)
	assert.NotEmpty(t, accepted.ID)

	job := waitFor(t, manager, accepted.ID)
	assert.Equal(t, StatePartial, job.State)
	assert.Contains(t, job.Summary, "1 channel skipped")
	assert.Contains(t, job.Summary, "counted 3 messages from 1 users")

	sent := fake.SentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "ops", sent[0].ChannelID)
	assert.True(t, strings.HasPrefix(sent[0].Text, "<@owner> Message count audit finished"), sent[0].Text)

	user, err := moderationStore.GetUser(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), user.MessagesSent)
}

func TestManagerRejectsSecondJobOfSameKind(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	manager, err := NewManager(ManagerConfig{Runner: runner})
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	first, err := manager.Start(KindMessages, "owner", "")
	require.NoError(t, err)
	running, err := manager.Start(KindMessages, "owner", "")
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, first.ID, running.ID)

	names, err := manager.Start(KindDisplayNames, "owner", "")
	require.NoError(t, err)

	close(runner.release)
	assert.Equal(t, StateSucceeded, waitFor(t, manager, first.ID).State)
	finished := waitFor(t, manager, names.ID)
	assert.Contains(t, finished.Summary, "checked 1,200 users")

	_, err = manager.Start(KindMessages, "owner", "")
	require.NoError(t, err)
}

func TestManagerCancel(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	notifier := gatewaytest.New()
	manager, err := NewManager(ManagerConfig{Runner: runner, Notifier: notifier})
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	job, err := manager.Start(KindMessages, "owner", "ops")
	require.NoError(t, err)
	require.NoError(t, manager.Cancel(job.ID))

	finished := waitFor(t, manager, job.ID)
	assert.Equal(t, StateCancelled, finished.State)
	require.ErrorIs(t, manager.Cancel(job.ID), ErrNotFound)
	require.ErrorIs(t, manager.Cancel("unknown"), ErrNotFound)

	sent := notifier.SentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "cancelled")
}

func TestManagerCancelAllAndList(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	manager, err := NewManager(ManagerConfig{Runner: runner})
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	first, err := manager.Start(KindMessages, "owner", "")
	require.NoError(t, err)
	second, err := manager.Start(KindDisplayNames, "owner", "")
	require.NoError(t, err)

	assert.Len(t, manager.List(), 2)
	assert.Equal(t, 2, manager.CancelAll())
	assert.Equal(t, StateCancelled, waitFor(t, manager, first.ID).State)
	assert.Equal(t, StateCancelled, waitFor(t, manager, second.ID).State)
	assert.Equal(t, 0, manager.CancelAll())
}

func TestManagerReportsFatalStoreErrors(t *testing.T) {
	runner := &blockingRunner{
		release: make(chan struct{}),
		err:     errors.Join(store.ErrUnavailable, errors.New("connection reset")),
	}
	var fatal atomic.Value
	manager, err := NewManager(ManagerConfig{Runner: runner, OnFatal: func(err error) { fatal.Store(err) }})
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	job, err := manager.Start(KindMessages, "owner", "")
	require.NoError(t, err)
	close(runner.release)

	finished := waitFor(t, manager, job.ID)
	assert.Equal(t, StateFailed, finished.State)
	reported, ok := fatal.Load().(error)
	require.True(t, ok)
	assert.ErrorIs(t, reported, store.ErrUnavailable)
}

func TestManagerRejectsUnknownKind(t *testing.T) {
	manager, err := NewManager(ManagerConfig{Runner: &blockingRunner{release: make(chan struct{})}})
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	_, err = manager.Start(Kind("everything"), "owner", "")
	require.ErrorIs(t, err, ErrUnknownKind)

	_, err = NewManager(ManagerConfig{})
	require.Error(t, err)
}

func TestParseKind(t *testing.T) {
	kind, ok := ParseKind("Messages")
	assert.True(t, ok)
	assert.Equal(t, KindMessages, kind)
	kind, ok = ParseKind("usernames")
	assert.True(t, ok)
	assert.Equal(t, KindDisplayNames, kind)
	_, ok = ParseKind("reactions")
	assert.False(t, ok)
}
