package funding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"fundbot/internal/accounts"
	"fundbot/internal/database/dbtest"
	"fundbot/internal/ledger"
	"fundbot/internal/models"
	"fundbot/internal/pool"
	"fundbot/internal/settings"
)

const admin = int64(900)

var errChatNotFound = errors.New("chat not found")

type resolver map[string]Chat

func (r resolver) ResolveChat(_ context.Context, ref string) (Chat, error) {
	chat, ok := r[ref]
	if !ok {
		return Chat{}, errChatNotFound
	}
	return chat, nil
}

type adder struct {
	mu    sync.Mutex
	calls int
	fail  map[int]bool
}

func (a *adder) AddMember(ctx context.Context, _ int64, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.fail[a.calls] {
		return errors.New("flood wait")
	}
	return ctx.Err()
}

type notifier struct {
	mu     sync.Mutex
	events map[int64][]Event
	// onEvent, when set, runs after the event is recorded.
	onEvent func(userID int64, ev Event)
}

func (n *notifier) Notify(_ context.Context, userID int64, ev Event) error {
	n.mu.Lock()
	if n.events == nil {
		n.events = map[int64][]Event{}
	}
	n.events[userID] = append(n.events[userID], ev)
	hook := n.onEvent
	n.mu.Unlock()
	if hook != nil {
		hook(userID, ev)
	}
	return nil
}

func (n *notifier) kinds(userID int64) []EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []EventKind
	for _, ev := range n.events[userID] {
		out = append(out, ev.Kind)
	}
	return out
}

// gate lets a test freeze the loop after a given number of pauses.
type gate struct {
	after   int
	mu      sync.Mutex
	n       int
	reached chan struct{}
}

func newGate(after int) *gate {
	return &gate{after: after, reached: make(chan struct{})}
}

func (g *gate) pace(ctx context.Context) error {
	g.mu.Lock()
	g.n++
	hold := g.n == g.after
	g.mu.Unlock()
	if !hold {
		return ctx.Err()
	}
	close(g.reached)
	<-ctx.Done()
	return ctx.Err()
}

type fixture struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	pool     *pool.Pool
	settings *settings.Store
	adder    *adder
	notifier *notifier
	orch     *Orchestrator
}

func newFixture(t *testing.T, pace func(context.Context) error) *fixture {
	t.Helper()
	db := dbtest.New(t)
	f := &fixture{
		db:       db,
		ledger:   ledger.New(db),
		pool:     pool.New(db),
		settings: settings.NewStore(db, nil),
		adder:    &adder{fail: map[int]bool{}},
		notifier: &notifier{},
	}
	if pace == nil {
		pace = func(ctx context.Context) error { return ctx.Err() }
	}
	accts := accounts.NewService(db, []int64{admin}, 14)
	f.orch = New(Deps{
		DB:       db,
		Ledger:   f.ledger,
		Pool:     f.pool,
		Accounts: accts,
		Settings: f.settings,
		Resolver: resolver{"https://t.me/target": {ID: -1001, Title: "Target", Type: "supergroup"}},
		Adder:    f.adder,
		Notifier: f.notifier,
		Log:      zap.NewNop(),
	}, Options{Workers: 2, DefaultMemberPrice: 8, Pace: pace})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.orch.Shutdown(ctx)
	})

	_, _, err := accts.Register(context.Background(), accounts.Profile{TelegramID: 1})
	require.NoError(t, err)
	return f
}

func (f *fixture) seed(t *testing.T, balance int64, numbers int) {
	t.Helper()
	ctx := context.Background()
	if balance > 0 {
		_, err := f.ledger.Adjust(ctx, 1, balance, models.CategoryAdminAdjustment, "seed")
		require.NoError(t, err)
	}
	values := make([]string, numbers)
	for i := range values {
		values[i] = fmt.Sprintf("+1%010d", i)
	}
	_, _, err := f.pool.Ingest(ctx, admin, values)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), 1)
	require.NoError(t, err)
	return b
}

func (f *fixture) reload(t *testing.T, id uint) models.FundingRequest {
	t.Helper()
	req, err := f.orch.Get(context.Background(), id)
	require.NoError(t, err)
	return *req
}

func TestSubmitCompletes(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 100, 10)

	req, err := f.orch.Submit(context.Background(), 1, 10, "https://t.me/target")
	require.NoError(t, err)
	assert.Equal(t, int64(80), req.CostPoints)
	f.orch.Wait()

	got := f.reload(t, req.ID)
	assert.Equal(t, models.FundingCompleted, got.Status)
	assert.Equal(t, 10, got.AddedCount)
	assert.Equal(t, 0, got.RemainingCount)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, int64(20), f.balance(t))

	var user models.User
	require.NoError(t, f.db.Where("telegram_id = ?", 1).First(&user).Error)
	assert.Equal(t, int64(10), user.FundedMembers)

	assert.Equal(t, []EventKind{EventAccepted, EventProgress, EventProgress, EventCompleted}, f.notifier.kinds(1))
	assert.Equal(t, []EventKind{EventAdminReview}, f.notifier.kinds(admin))

	var tagged int64
	require.NoError(t, f.db.Model(&models.PhoneNumber{}).Where("request_id = ?", req.ID).Count(&tagged).Error)
	assert.Equal(t, int64(10), tagged)
}

func TestPoolExhaustedMidRun(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 100, 5)

	// Another request drains two numbers between pre-flight and the loop.
	_, err := f.pool.Allocate(context.Background(), 999)
	require.NoError(t, err)
	_, err = f.pool.Allocate(context.Background(), 999)
	require.NoError(t, err)

	_, err = f.orch.Submit(context.Background(), 1, 5, "https://t.me/target")
	var short *InsufficientResourcesError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 5, short.Required)
	assert.Equal(t, int64(3), short.Available)
	assert.Equal(t, int64(100), f.balance(t), "rejected pre-flight leaves balance untouched")

	// Pre-flight passes for 3; the race is simulated by inserting the request
	// directly with a larger count.
	req := models.FundingRequest{UserID: 1, ChatID: -1001, RequestedCount: 5, RemainingCount: 5, CostPoints: 40, MemberPrice: 8, Status: models.FundingPending}
	require.NoError(t, f.db.Create(&req).Error)
	n, err := f.orch.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.orch.Wait()

	got := f.reload(t, req.ID)
	assert.Equal(t, 3, got.AddedCount)
	assert.Equal(t, 2, got.RemainingCount)
	assert.Equal(t, models.FundingPending, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, []EventKind{EventShortfall}, f.notifier.kinds(1))
	assert.Equal(t, []EventKind{EventShortfall}, f.notifier.kinds(admin))
}

func TestBalanceScenario(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 50, 10)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, 1, 5, "https://t.me/target")
	require.NoError(t, err)
	assert.Equal(t, int64(10), f.balance(t))

	_, err = f.orch.Submit(ctx, 1, 2, "https://t.me/target")
	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(16), insufficient.Required)
	assert.Equal(t, int64(10), insufficient.Available)
	assert.Equal(t, int64(10), f.balance(t))

	f.orch.Wait()
	sum, err := f.ledger.Sum(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, f.balance(t), sum)
}

func TestInvalidTargetAndCount(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 50, 10)

	_, err := f.orch.Submit(context.Background(), 1, 2, "https://t.me/missing")
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.ErrorIs(t, err, errChatNotFound)

	_, err = f.orch.Submit(context.Background(), 1, 0, "https://t.me/target")
	assert.ErrorIs(t, err, ErrInvalidCount)

	require.NoError(t, f.settings.Set(context.Background(), settings.KeyFundingEnabled, "false"))
	_, err = f.orch.Submit(context.Background(), 1, 2, "https://t.me/target")
	assert.ErrorIs(t, err, ErrFundingDisabled)

	assert.Equal(t, int64(50), f.balance(t))
}

func TestFailedAddContinues(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 100, 4)
	f.adder.fail[2] = true

	req, err := f.orch.Submit(context.Background(), 1, 3, "https://t.me/target")
	require.NoError(t, err)
	f.orch.Wait()

	got := f.reload(t, req.ID)
	assert.Equal(t, models.FundingCompleted, got.Status)
	assert.Equal(t, 3, got.AddedCount)

	unused, err := f.pool.UnusedCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), unused, "the failed attempt still consumed its number")
}

func TestRejectRefundsFullCost(t *testing.T) {
	g := newGate(3)
	f := newFixture(t, g.pace)
	f.seed(t, 100, 10)
	ctx := context.Background()

	req, err := f.orch.Submit(ctx, 1, 10, "https://t.me/target")
	require.NoError(t, err)
	assert.Equal(t, int64(20), f.balance(t))

	<-g.reached
	got, err := f.orch.Reject(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FundingRejected, got.Status)
	assert.Equal(t, 3, got.AddedCount)
	assert.False(t, f.orch.Running(req.ID))

	assert.Equal(t, int64(100), f.balance(t), "full cost comes back even though 3 members were added")

	_, err = f.orch.Reject(ctx, req.ID)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, models.FundingRejected, statusErr.Status)
	assert.Equal(t, int64(100), f.balance(t))

	history, err := f.ledger.History(ctx, 1, models.CategoryRefund)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(80), history[0].Amount)
}

func TestCancelRefundsUndelivered(t *testing.T) {
	g := newGate(2)
	f := newFixture(t, g.pace)
	f.seed(t, 100, 10)
	ctx := context.Background()

	req, err := f.orch.Submit(ctx, 1, 4, "https://t.me/target")
	require.NoError(t, err)
	<-g.reached

	_, err = f.orch.Cancel(ctx, req.ID, 2)
	assert.ErrorIs(t, err, ErrNotOwner)

	got, err := f.orch.Cancel(ctx, req.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.FundingCancelled, got.Status)
	assert.Equal(t, 2, got.AddedCount)
	assert.Equal(t, int64(100-32+16), f.balance(t))

	_, err = f.orch.Cancel(ctx, req.ID, 1)
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestApproveDoesNotStopLoop(t *testing.T) {
	g := newGate(1)
	f := newFixture(t, g.pace)
	f.seed(t, 100, 2)
	ctx := context.Background()

	req, err := f.orch.Submit(ctx, 1, 2, "https://t.me/target")
	require.NoError(t, err)
	<-g.reached

	approved, err := f.orch.Approve(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FundingApproved, approved.Status)

	_, err = f.orch.Approve(ctx, req.ID)
	assert.ErrorIs(t, err, ErrStatusConflict)

	assert.True(t, f.orch.Running(req.ID))
	require.NoError(t, f.orch.Shutdown(ctx))
	assert.Equal(t, models.FundingApproved, f.reload(t, req.ID).Status)

	_, err = f.orch.Approve(ctx, 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApprovedRequestStillCompletes(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 100, 2)
	ctx := context.Background()

	req := models.FundingRequest{UserID: 1, ChatID: -1001, RequestedCount: 2, RemainingCount: 2, CostPoints: 16, MemberPrice: 8, Status: models.FundingApproved}
	require.NoError(t, f.db.Create(&req).Error)
	_, err := f.orch.Resume(ctx)
	require.NoError(t, err)
	f.orch.Wait()

	assert.Equal(t, models.FundingCompleted, f.reload(t, req.ID).Status)

	stats, err := f.orch.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(2), stats.Added)

	list, err := f.orch.ListByUser(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRandomPaceHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RandomPace(time.Hour, 2*time.Hour)(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, RandomPace(time.Millisecond, 2*time.Millisecond)(context.Background()))
}

func TestCloseOnFirstNoticeStopsLoop(t *testing.T) {
	tests := []struct {
		name    string
		trigger EventKind
		close   func(f *fixture, id uint) error
		status  models.FundingStatus
		balance func(added int) int64
	}{
		{
			name:    "owner cancels",
			trigger: EventAccepted,
			close: func(f *fixture, id uint) error {
				_, err := f.orch.Cancel(context.Background(), id, 1)
				return err
			},
			status:  models.FundingCancelled,
			balance: func(added int) int64 { return 100 - 8*int64(added) },
		},
		{
			name:    "admin rejects",
			trigger: EventAdminReview,
			close: func(f *fixture, id uint) error {
				_, err := f.orch.Reject(context.Background(), id)
				return err
			},
			status:  models.FundingRejected,
			balance: func(int) int64 { return 100 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGate(1)
			f := newFixture(t, g.pace)
			f.seed(t, 100, 10)

			var closeErr error
			f.notifier.onEvent = func(_ int64, ev Event) {
				if ev.Kind == tt.trigger {
					closeErr = tt.close(f, ev.Request.ID)
				}
			}

			req, err := f.orch.Submit(context.Background(), 1, 10, "https://t.me/target")
			require.NoError(t, err)
			require.NoError(t, closeErr)
			f.orch.Wait()

			got := f.reload(t, req.ID)
			assert.Equal(t, tt.status, got.Status)
			assert.LessOrEqual(t, got.AddedCount, 1)
			assert.False(t, f.orch.Running(req.ID))
			assert.Equal(t, tt.balance(got.AddedCount), f.balance(t))
			assert.NotContains(t, f.notifier.kinds(1), EventCompleted)
		})
	}
}

func TestLoopSkipsClosedRequest(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 0, 3)

	req := models.FundingRequest{UserID: 1, ChatID: -1001, RequestedCount: 3, RemainingCount: 3, CostPoints: 24, MemberPrice: 8, Status: models.FundingCancelled}
	require.NoError(t, f.db.Create(&req).Error)

	f.orch.start(req)
	f.orch.Wait()

	got := f.reload(t, req.ID)
	assert.Equal(t, models.FundingCancelled, got.Status)
	assert.Equal(t, 0, got.AddedCount)
	assert.Equal(t, 0, f.adder.calls)

	unused, err := f.pool.UnusedCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), unused)
	assert.Empty(t, f.notifier.kinds(1))
}

func TestCancelCommitsAfterCallerGivesUp(t *testing.T) {
	callerCtx, giveUp := context.WithCancel(context.Background())
	defer giveUp()

	reached := make(chan struct{})
	var once sync.Once
	pace := func(ctx context.Context) error {
		once.Do(func() { close(reached) })
		<-ctx.Done()
		// The caller's context ends while Cancel waits for the loop.
		giveUp()
		return ctx.Err()
	}
	f := newFixture(t, pace)
	f.seed(t, 100, 10)

	req, err := f.orch.Submit(context.Background(), 1, 4, "https://t.me/target")
	require.NoError(t, err)
	<-reached

	got, err := f.orch.Cancel(callerCtx, req.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.FundingCancelled, got.Status)
	assert.Error(t, callerCtx.Err())

	stored := f.reload(t, req.ID)
	assert.Equal(t, models.FundingCancelled, stored.Status)
	assert.Equal(t, 1, stored.AddedCount)
	assert.Equal(t, int64(100-32+24), f.balance(t))
}

func TestBannedUserCannotSubmit(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 100, 10)
	require.NoError(t, f.orch.accounts.SetBanned(context.Background(), 1, true))

	_, err := f.orch.Submit(context.Background(), 1, 2, "https://t.me/target")
	assert.ErrorIs(t, err, ErrBanned)
	assert.Equal(t, int64(100), f.balance(t))

	var n int64
	require.NoError(t, f.db.Model(&models.FundingRequest{}).Count(&n).Error)
	assert.Equal(t, int64(0), n)
}
