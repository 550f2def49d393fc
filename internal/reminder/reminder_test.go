package reminder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/familyledger/core/internal/model"
)

type stubDispatcher struct {
	mu       sync.Mutex
	pending  []*model.Reminder
	sentIDs  []string
	sentErr  error
	pollErr  error
	polls    int
}

func (s *stubDispatcher) GetPendingReminders(ctx context.Context, before time.Time) ([]*model.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	return s.pending, nil
}

func (s *stubDispatcher) MarkReminderSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sentErr != nil {
		return s.sentErr
	}
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

type stubOutbound struct {
	mu      sync.Mutex
	sent    []string
	sendErr error
}

func (o *stubOutbound) Send(ctx context.Context, r *model.Reminder) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sendErr != nil {
		return o.sendErr
	}
	o.sent = append(o.sent, r.ID)
	return nil
}

func TestPollOnce_DeliversThenMarksSent(t *testing.T) {
	dispatcher := &stubDispatcher{pending: []*model.Reminder{{ID: "r1", UserID: "u1", Payload: "vaccine"}}}
	outbound := &stubOutbound{}
	p := NewPoller(dispatcher, outbound, time.Hour, nil)

	p.pollOnce(context.Background())

	assert.Equal(t, []string{"r1"}, outbound.sent)
	assert.Equal(t, []string{"r1"}, dispatcher.sentIDs)
}

func TestPollOnce_DeliveryFailureDoesNotMarkSent(t *testing.T) {
	dispatcher := &stubDispatcher{pending: []*model.Reminder{{ID: "r1", UserID: "u1", Payload: "vaccine"}}}
	outbound := &stubOutbound{sendErr: assertErr("delivery down")}
	p := NewPoller(dispatcher, outbound, time.Hour, nil)

	p.pollOnce(context.Background())

	assert.Empty(t, outbound.sent)
	assert.Empty(t, dispatcher.sentIDs)
}

func TestPollOnce_MarkSentFailureLeavesDeliveryRecorded(t *testing.T) {
	dispatcher := &stubDispatcher{
		pending: []*model.Reminder{{ID: "r1", UserID: "u1", Payload: "vaccine"}},
		sentErr: assertErr("db down"),
	}
	outbound := &stubOutbound{}
	p := NewPoller(dispatcher, outbound, time.Hour, nil)

	p.pollOnce(context.Background())

	assert.Equal(t, []string{"r1"}, outbound.sent)
	assert.Empty(t, dispatcher.sentIDs)
}

func TestPollOnce_DispatchesEveryDueReminder(t *testing.T) {
	dispatcher := &stubDispatcher{pending: []*model.Reminder{
		{ID: "r1", UserID: "u1", Payload: "a"},
		{ID: "r2", UserID: "u2", Payload: "b"},
	}}
	outbound := &stubOutbound{}
	p := NewPoller(dispatcher, outbound, time.Hour, nil)

	p.pollOnce(context.Background())

	assert.ElementsMatch(t, []string{"r1", "r2"}, outbound.sent)
	assert.ElementsMatch(t, []string{"r1", "r2"}, dispatcher.sentIDs)
}

func TestRun_StopsOnContextCancellation(t *testing.T) {
	dispatcher := &stubDispatcher{}
	outbound := &stubOutbound{}
	p := NewPoller(dispatcher, outbound, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	dispatcher.mu.Lock()
	polls := dispatcher.polls
	dispatcher.mu.Unlock()
	assert.Greater(t, polls, 0)
}

func TestRun_StopsViaStop(t *testing.T) {
	dispatcher := &stubDispatcher{}
	outbound := &stubOutbound{}
	p := NewPoller(dispatcher, outbound, time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	p.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestDecodeReminders_FromLooselyTypedJSON(t *testing.T) {
	raw := []any{
		map[string]any{"id": "r1", "user_id": "u1", "payload": "x", "remind_at": time.Now().UTC().Format(time.RFC3339)},
	}
	reminders, err := decodeReminders(raw)
	require.NoError(t, err)
	require.Len(t, reminders, 1)
	assert.Equal(t, "r1", reminders[0].ID)
}
