package submit

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-gateway/internal/fragment"
	"github.com/sirosfoundation/go-gateway/internal/storage"
	"github.com/sirosfoundation/go-gateway/internal/storage/memory"
	"github.com/sirosfoundation/go-gateway/pkg/exchange"
	"github.com/sirosfoundation/go-gateway/pkg/mep"
	"github.com/sirosfoundation/go-gateway/pkg/pmode"
)

const testPModeKey = "blue_gw|red_gw|bdx:noprocess|TC1Leg1|OAE|pushLeg"

func pushContext() *exchange.Context {
	return &exchange.Context{
		PModeKey: testPModeKey,
		Leg: &pmode.LegConfiguration{
			Name: "pushLeg",
			ReceptionAwareness: &pmode.ReceptionAwareness{
				Algorithm:    "CONSTANT",
				RetryTimeout: 60,
				RetryCount:   4,
			},
		},
		Mpc:     mep.DefaultMpc,
		Pattern: mep.Push,
	}
}

func pullContext() *exchange.Context {
	ec := pushContext()
	ec.Mpc = "urn:fdc:example.eu:2019:mpc:pull"
	ec.Pattern = mep.Pull
	return ec
}

type stubResolver struct {
	ec  *exchange.Context
	err error
}

func (r *stubResolver) BuildContext(msg *storage.Message, role storage.MSHRole) (*exchange.Context, error) {
	return r.ec, r.err
}

type recordingDispatcher struct {
	enqueued []string
}

func (d *recordingDispatcher) EnqueueSend(ctx context.Context, messageID string) error {
	d.enqueued = append(d.enqueued, messageID)
	return nil
}

type recordingLocker struct {
	added []storage.PullLock
}

func (l *recordingLocker) AddPullMessageLock(ctx context.Context, partyID, mpc, messageID string, log *storage.DeliveryLog) error {
	l.added = append(l.added, storage.PullLock{MessageID: messageID, Mpc: mpc, PartyID: partyID})
	return nil
}

type env struct {
	store      *memory.Store
	resolver   *stubResolver
	dispatcher *recordingDispatcher
	locks      *recordingLocker
	service    *Service
}

func newEnv(threshold int) *env {
	e := &env{
		store:      memory.NewStore(),
		resolver:   &stubResolver{ec: pushContext()},
		dispatcher: &recordingDispatcher{},
		locks:      &recordingLocker{},
	}
	fragments := fragment.NewCoordinator(fragment.Config{
		Messages:   e.store,
		Logs:       e.store,
		Groups:     e.store,
		Dispatcher: e.dispatcher,
	})
	e.service = NewService(Config{
		Messages:   e.store,
		Logs:       e.store,
		Contexts:   e.resolver,
		Fragments:  fragments,
		Dispatcher: e.dispatcher,
		Locks:      e.locks,
		Threshold:  threshold,
		Now:        func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	return e
}

func testMessage(payload []byte) *storage.Message {
	return &storage.Message{
		MessageID:   "msg-1",
		FromPartyID: "domibus-blue",
		ToPartyID:   "domibus-red",
		Service:     "bdx:noprocess",
		Action:      "TC1Leg1",
		Payload:     payload,
	}
}

func TestSubmit_Push(t *testing.T) {
	e := newEnv(0)

	id, err := e.service.Submit(context.Background(), testMessage([]byte("hello")), true)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	log, err := e.store.GetDeliveryLog(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSendEnqueued, log.Status)
	assert.Equal(t, 5, log.SendAttemptsMax)
	assert.NotNil(t, log.NextAttempt, "a next attempt must be scheduled")
	assert.True(t, log.NotificationRequired)
	assert.Equal(t, testPModeKey, log.PModeKey)
	assert.Equal(t, []string{"msg-1"}, e.dispatcher.enqueued)
}

func TestSubmit_GeneratesMessageID(t *testing.T) {
	e := newEnv(0)
	msg := testMessage(nil)
	msg.MessageID = ""

	id, err := e.service.Submit(context.Background(), msg, false)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = e.store.GetMessage(context.Background(), id)
	assert.NoError(t, err, "stored message not found under generated id")
}

func TestSubmit_Pull(t *testing.T) {
	e := newEnv(0)
	e.resolver.ec = pullContext()

	_, err := e.service.Submit(context.Background(), testMessage([]byte("hello")), false)
	require.NoError(t, err)

	log, err := e.store.GetDeliveryLog(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusReadyToPull, log.Status)
	assert.Nil(t, log.NextAttempt, "pull messages must not get a retry schedule")

	require.Len(t, e.locks.added, 1)
	lock := e.locks.added[0]
	assert.Equal(t, "domibus-red", lock.PartyID)
	assert.Equal(t, "urn:fdc:example.eu:2019:mpc:pull", lock.Mpc)
	assert.Empty(t, e.dispatcher.enqueued, "pull messages must not be enqueued")
}

func TestSubmit_Fragments(t *testing.T) {
	e := newEnv(4)
	payload := bytes.Repeat([]byte("x"), 10)

	_, err := e.service.Submit(context.Background(), testMessage(payload), false)
	require.NoError(t, err)

	log, err := e.store.GetDeliveryLog(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSendInProgress, log.Status, "fragmented source parks in SEND_IN_PROGRESS")
	assert.Nil(t, log.NextAttempt, "fragmented source must not get a retry schedule")

	// 10 bytes at a 4 byte threshold gives 3 fragments, each enqueued.
	require.Len(t, e.dispatcher.enqueued, 3)
	for _, id := range e.dispatcher.enqueued {
		flog, err := e.store.GetDeliveryLog(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusSendEnqueued, flog.Status, "fragment %s", id)
		assert.Equal(t, log.SendAttemptsMax, flog.SendAttemptsMax, "fragment %s", id)
	}
}

func TestSubmit_Duplicate(t *testing.T) {
	e := newEnv(0)

	_, err := e.service.Submit(context.Background(), testMessage(nil), false)
	require.NoError(t, err)

	_, err = e.service.Submit(context.Background(), testMessage(nil), false)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestSubmit_NoMatchingLeg(t *testing.T) {
	e := newEnv(0)
	e.resolver.ec = nil
	e.resolver.err = pmode.ErrNoMatchingLeg

	_, err := e.service.Submit(context.Background(), testMessage(nil), false)
	assert.ErrorIs(t, err, pmode.ErrNoMatchingLeg)

	_, err = e.store.GetMessage(context.Background(), "msg-1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "message must not be stored when routing fails")
}
