package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"postbot/internal/publish"
	"postbot/internal/store"
	"postbot/pkg/logx"
)

// --- Mocks ---

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Create(ctx context.Context, d store.Draft) (int64, error) {
	args := m.Called(ctx, d)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) Get(ctx context.Context, id int64) (store.Post, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(store.Post), args.Error(1)
}

func (m *MockStore) MarkSent(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockStore) MarkFailed(ctx context.Context, id int64, reason string) error {
	return m.Called(ctx, id, reason).Error(0)
}

func (m *MockStore) IncrementAttempt(ctx context.Context, id int64) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) ListPending(ctx context.Context) ([]store.Post, error) {
	args := m.Called(ctx)
	if v, ok := args.Get(0).([]store.Post); ok {
		return v, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) Close() error { return m.Called().Error(0) }

type MockPublisher struct {
	mock.Mock

	replies []string // bodies in send order
}

func (m *MockPublisher) SendContent(ctx context.Context, text, mediaRef string) (publish.MessageRef, error) {
	args := m.Called(ctx, text, mediaRef)
	return args.Get(0).(publish.MessageRef), args.Error(1)
}

func (m *MockPublisher) SendReply(ctx context.Context, parent publish.MessageRef, text string) error {
	m.replies = append(m.replies, text)
	return m.Called(ctx, parent, text).Error(0)
}

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		SendTimeout:   time.Second,
	}
}

func pendingPost(id int64, replies ...string) store.Post {
	return store.Post{
		ID:          id,
		Content:     "Launch!",
		ScheduledAt: time.Now(),
		Replies:     replies,
		Status:      store.StatusPending,
	}
}

func TestDeliverHappyPath(t *testing.T) {
	st := new(MockStore)
	pub := new(MockPublisher)
	ref := publish.MessageRef{ChatID: -100, MessageID: 42}

	st.On("Get", mock.Anything, int64(7)).Return(pendingPost(7, "first", "second"), nil)
	st.On("IncrementAttempt", mock.Anything, int64(7)).Return(1, nil).Once()
	pub.On("SendContent", mock.Anything, "Launch!", "").Return(ref, nil).Once()
	st.On("MarkSent", mock.Anything, int64(7)).Return(nil).Once()
	pub.On("SendReply", mock.Anything, ref, "first").Return(nil).Once()
	pub.On("SendReply", mock.Anything, ref, "second").Return(nil).Once()

	p := New(fastPolicy(), st, pub, logx.Nop())
	err := p.Deliver(context.Background(), 7)

	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, pub.replies, "replies must go out in order")
	st.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestDeliverPermanentFailure(t *testing.T) {
	st := new(MockStore)
	pub := new(MockPublisher)
	cause := publish.Permanent(errors.New("chat not found"))

	st.On("Get", mock.Anything, int64(3)).Return(pendingPost(3, "reply"), nil)
	st.On("IncrementAttempt", mock.Anything, int64(3)).Return(1, nil).Once()
	pub.On("SendContent", mock.Anything, "Launch!", "").Return(publish.MessageRef{}, cause).Once()
	st.On("MarkFailed", mock.Anything, int64(3), mock.MatchedBy(func(s string) bool {
		return s != ""
	})).Return(nil).Once()

	p := New(fastPolicy(), st, pub, logx.Nop())
	err := p.Deliver(context.Background(), 3)

	require.Error(t, err)
	// One attempt, no retries, no replies after a permanent rejection.
	st.AssertNumberOfCalls(t, "IncrementAttempt", 1)
	pub.AssertNotCalled(t, "SendReply", mock.Anything, mock.Anything, mock.Anything)
	st.AssertNotCalled(t, "MarkSent", mock.Anything, mock.Anything)
	st.AssertExpectations(t)
}

func TestDeliverRetriesTransientThenSucceeds(t *testing.T) {
	st := new(MockStore)
	pub := new(MockPublisher)
	ref := publish.MessageRef{ChatID: -100, MessageID: 9}
	transient := errors.New("connection reset")

	st.On("Get", mock.Anything, int64(5)).Return(pendingPost(5), nil)
	st.On("IncrementAttempt", mock.Anything, int64(5)).Return(1, nil).Once()
	st.On("IncrementAttempt", mock.Anything, int64(5)).Return(2, nil).Once()
	st.On("IncrementAttempt", mock.Anything, int64(5)).Return(3, nil).Once()
	pub.On("SendContent", mock.Anything, "Launch!", "").Return(publish.MessageRef{}, transient).Twice()
	pub.On("SendContent", mock.Anything, "Launch!", "").Return(ref, nil).Once()
	st.On("MarkSent", mock.Anything, int64(5)).Return(nil).Once()

	p := New(fastPolicy(), st, pub, logx.Nop())
	err := p.Deliver(context.Background(), 5)

	require.NoError(t, err)
	st.AssertNumberOfCalls(t, "IncrementAttempt", 3)
	st.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestDeliverExhaustsAttemptBudget(t *testing.T) {
	st := new(MockStore)
	pub := new(MockPublisher)
	transient := errors.New("timeout")

	st.On("Get", mock.Anything, int64(2)).Return(pendingPost(2), nil)
	st.On("IncrementAttempt", mock.Anything, int64(2)).Return(1, nil).Once()
	st.On("IncrementAttempt", mock.Anything, int64(2)).Return(2, nil).Once()
	pub.On("SendContent", mock.Anything, "Launch!", "").Return(publish.MessageRef{}, transient)
	st.On("MarkFailed", mock.Anything, int64(2), mock.Anything).Return(nil).Once()

	pol := fastPolicy()
	pol.MaxAttempts = 2
	p := New(pol, st, pub, logx.Nop())
	err := p.Deliver(context.Background(), 2)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempts exhausted")
	st.AssertNumberOfCalls(t, "IncrementAttempt", 2)
	st.AssertExpectations(t)
}

// Attempt numbers continue across process restarts: a post that already
// burned attempts before the crash fails fast after recovery.
func TestDeliverHonorsPersistedAttempts(t *testing.T) {
	st := new(MockStore)
	pub := new(MockPublisher)
	transient := errors.New("timeout")

	st.On("Get", mock.Anything, int64(8)).Return(pendingPost(8), nil)
	st.On("IncrementAttempt", mock.Anything, int64(8)).Return(3, nil).Once()
	pub.On("SendContent", mock.Anything, "Launch!", "").Return(publish.MessageRef{}, transient).Once()
	st.On("MarkFailed", mock.Anything, int64(8), mock.Anything).Return(nil).Once()

	p := New(fastPolicy(), st, pub, logx.Nop())
	err := p.Deliver(context.Background(), 8)

	require.Error(t, err)
	st.AssertNumberOfCalls(t, "IncrementAttempt", 1)
	st.AssertExpectations(t)
}

func TestDeliverSkipsFinalizedPost(t *testing.T) {
	st := new(MockStore)
	pub := new(MockPublisher)

	done := pendingPost(4)
	done.Status = store.StatusSent
	st.On("Get", mock.Anything, int64(4)).Return(done, nil)

	p := New(fastPolicy(), st, pub, logx.Nop())
	err := p.Deliver(context.Background(), 4)

	require.NoError(t, err)
	pub.AssertNotCalled(t, "SendContent", mock.Anything, mock.Anything, mock.Anything)
	st.AssertNotCalled(t, "IncrementAttempt", mock.Anything, mock.Anything)
}

func TestDeliverReplyFailureKeepsPostSent(t *testing.T) {
	st := new(MockStore)
	pub := new(MockPublisher)
	ref := publish.MessageRef{ChatID: -100, MessageID: 1}

	st.On("Get", mock.Anything, int64(6)).Return(pendingPost(6, "a", "b"), nil)
	st.On("IncrementAttempt", mock.Anything, int64(6)).Return(1, nil).Once()
	pub.On("SendContent", mock.Anything, "Launch!", "").Return(ref, nil).Once()
	st.On("MarkSent", mock.Anything, int64(6)).Return(nil).Once()
	pub.On("SendReply", mock.Anything, ref, "a").Return(errors.New("boom")).Once()
	pub.On("SendReply", mock.Anything, ref, "b").Return(nil).Once()

	p := New(fastPolicy(), st, pub, logx.Nop())
	err := p.Deliver(context.Background(), 6)

	require.NoError(t, err)
	// The second reply still goes out and nothing is rolled back.
	assert.Equal(t, []string{"a", "b"}, pub.replies)
	st.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)
	st.AssertExpectations(t)
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	pol := Policy{RetryBase: time.Second, RetryMaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, backoffDelay(pol, 1))
	assert.Equal(t, 2*time.Second, backoffDelay(pol, 2))
	assert.Equal(t, 4*time.Second, backoffDelay(pol, 3))
	assert.Equal(t, 5*time.Second, backoffDelay(pol, 4))
	assert.Equal(t, 5*time.Second, backoffDelay(pol, 10))
}

func TestBackoffDelayJitterStaysBounded(t *testing.T) {
	pol := Policy{RetryBase: time.Second, RetryMaxDelay: time.Minute, RetryJitter: 0.2}
	for i := 0; i < 100; i++ {
		d := backoffDelay(pol, 2)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}
}
