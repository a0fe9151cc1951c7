package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"postbot/internal/store"
	"postbot/pkg/logx"
)

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

type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) Schedule(postID int64, at time.Time) error {
	return m.Called(postID, at).Error(0)
}

func TestSubmitDraftPersistsThenArms(t *testing.T) {
	st := new(MockStore)
	sched := new(MockScheduler)
	at := time.Now().Add(time.Hour)
	d := store.Draft{Content: "Launch!", ScheduledAt: at, Replies: []string{"r1"}}

	st.On("Create", mock.Anything, d).Return(int64(11), nil).Once()
	sched.On("Schedule", int64(11), at).Return(nil).Once()

	c := NewController(st, sched, logx.Nop())
	id, err := c.SubmitDraft(context.Background(), d)

	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
	st.AssertExpectations(t)
	sched.AssertExpectations(t)
}

func TestSubmitDraftInvalidDraftLeavesNothing(t *testing.T) {
	st := new(MockStore)
	sched := new(MockScheduler)
	d := store.Draft{ScheduledAt: time.Now()}

	st.On("Create", mock.Anything, d).Return(int64(0), store.ErrInvalidDraft).Once()

	c := NewController(st, sched, logx.Nop())
	_, err := c.SubmitDraft(context.Background(), d)

	require.True(t, errors.Is(err, store.ErrInvalidDraft))
	sched.AssertNotCalled(t, "Schedule", mock.Anything, mock.Anything)
}

// An arming failure is not a submission failure: the record is durable and
// the reconcile sweep owns it from here.
func TestSubmitDraftSurvivesArmingFailure(t *testing.T) {
	st := new(MockStore)
	sched := new(MockScheduler)
	at := time.Now().Add(time.Hour)
	d := store.Draft{Content: "Launch!", ScheduledAt: at}

	st.On("Create", mock.Anything, d).Return(int64(7), nil).Once()
	sched.On("Schedule", int64(7), at).Return(errors.New("queue wedged")).Once()

	c := NewController(st, sched, logx.Nop())
	id, err := c.SubmitDraft(context.Background(), d)

	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
}
