// Package funding runs member-funding requests: it charges the owner,
// then spends pool numbers against the target chat on a background loop.
package funding

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"fundbot/internal/accounts"
	"fundbot/internal/ledger"
	"fundbot/internal/models"
	"fundbot/internal/pool"
	"fundbot/internal/settings"
)

// progressEvery is how many successful additions pass between progress notices.
const progressEvery = 5

type Deps struct {
	DB       *gorm.DB
	Ledger   *ledger.Ledger
	Pool     *pool.Pool
	Accounts *accounts.Service
	Settings *settings.Store
	Resolver ChatResolver
	Adder    MemberAdder
	Notifier Notifier
	Log      *zap.Logger
}

type Options struct {
	// Workers bounds how many request loops add members at once.
	Workers int
	// DefaultMemberPrice is used until an admin sets member_price.
	DefaultMemberPrice int64
	// Pace is called between attempts; it returns early with ctx's error.
	Pace func(ctx context.Context) error
}

// RandomPace waits a random duration in [min, max).
func RandomPace(min, max time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		d := min
		if max > min {
			d += rand.N(max - min)
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Orchestrator struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	pool     *pool.Pool
	accounts *accounts.Service
	settings *settings.Store
	resolver ChatResolver
	adder    MemberAdder
	notifier Notifier
	log      *zap.Logger

	defaultPrice int64
	pace         func(ctx context.Context) error
	sem          *semaphore.Weighted

	base     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	running map[uint]*run
}

func New(d Deps, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Pace == nil {
		opts.Pace = RandomPace(2*time.Second, 5*time.Second)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		db:           d.DB,
		ledger:       d.Ledger,
		pool:         d.Pool,
		accounts:     d.Accounts,
		settings:     d.Settings,
		resolver:     d.Resolver,
		adder:        d.Adder,
		notifier:     d.Notifier,
		log:          d.Log,
		defaultPrice: opts.DefaultMemberPrice,
		pace:         opts.Pace,
		sem:          semaphore.NewWeighted(int64(opts.Workers)),
		base:         base,
		shutdown:     cancel,
		running:      make(map[uint]*run),
	}
}

// Price is the current cost of one member in points.
func (o *Orchestrator) Price(ctx context.Context) (int64, error) {
	return o.settings.Int(ctx, settings.KeyMemberPrice, o.defaultPrice)
}

// Quote is the pre-flight view of a request, shown before the user confirms.
type Quote struct {
	Chat      Chat
	Count     int
	Price     int64
	Cost      int64
	Balance   int64
	Available int64
}

// Quote resolves the target and checks balance and pool capacity without
// changing anything.
func (o *Orchestrator) Quote(ctx context.Context, userID int64, count int, target string) (*Quote, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}
	enabled, err := o.settings.Bool(ctx, settings.KeyFundingEnabled, true)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, ErrFundingDisabled
	}
	user, err := o.accounts.Get(ctx, userID)
	if err != nil && !errors.Is(err, accounts.ErrNotFound) {
		return nil, err
	}
	if user != nil && user.IsBanned {
		return nil, ErrBanned
	}

	chat, err := o.resolver.ResolveChat(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	price, err := o.Price(ctx)
	if err != nil {
		return nil, err
	}
	q := &Quote{Chat: chat, Count: count, Price: price, Cost: int64(count) * price}

	q.Balance, err = o.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if q.Balance < q.Cost {
		return q, &ledger.InsufficientBalanceError{Required: q.Cost, Available: q.Balance}
	}

	q.Available, err = o.pool.UnusedCount(ctx)
	if err != nil {
		return nil, err
	}
	if q.Available < int64(count) {
		return q, &InsufficientResourcesError{Required: count, Available: q.Available}
	}
	return q, nil
}

// Submit charges the user and starts adding members to target. The balance
// and pool checks are advisory: the pool can still run dry while the loop
// runs, which ends the request short.
func (o *Orchestrator) Submit(ctx context.Context, userID int64, count int, target string) (*models.FundingRequest, error) {
	q, err := o.Quote(ctx, userID, count, target)
	if err != nil {
		return nil, err
	}

	req := models.FundingRequest{
		UserID:         userID,
		ChatID:         q.Chat.ID,
		ChatTitle:      q.Chat.Title,
		ChatType:       q.Chat.Type,
		RequestedCount: count,
		CostPoints:     q.Cost,
		MemberPrice:    q.Price,
		Status:         models.FundingPending,
		RemainingCount: count,
	}
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&req).Error; err != nil {
			return fmt.Errorf("create funding request: %w", err)
		}
		desc := fmt.Sprintf("funding #%d: %d members for %s", req.ID, count, q.Chat.Title)
		_, err := o.ledger.AdjustTx(tx, userID, -q.Cost, models.CategoryFundingDebit, desc)
		return err
	})
	if err != nil {
		return nil, err
	}

	o.log.Info("funding request submitted",
		zap.Uint("request_id", req.ID), zap.Int64("user_id", userID),
		zap.Int64("chat_id", req.ChatID), zap.Int("count", count), zap.Int64("cost", q.Cost))

	// The loop is registered before any notice about the request goes out.
	o.start(req)

	o.notify(userID, Event{Kind: EventAccepted, Request: req})
	for _, admin := range o.accounts.AdminIDs() {
		o.notify(admin, Event{Kind: EventAdminReview, Request: req})
	}
	return &req, nil
}

// Resume restarts loops for requests left open by a previous process.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	var open []models.FundingRequest
	err := o.db.WithContext(ctx).
		Where("status IN ? AND remaining_count > 0", []models.FundingStatus{models.FundingPending, models.FundingApproved}).
		Order("id").
		Find(&open).Error
	if err != nil {
		return 0, err
	}
	for _, req := range open {
		o.start(req)
	}
	return len(open), nil
}

func (o *Orchestrator) start(req models.FundingRequest) {
	ctx, cancel := context.WithCancel(o.base)
	r := &run{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	if _, dup := o.running[req.ID]; dup {
		o.mu.Unlock()
		cancel()
		return
	}
	o.running[req.ID] = r
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(r.done)
		defer func() {
			o.mu.Lock()
			delete(o.running, req.ID)
			o.mu.Unlock()
			cancel()
		}()

		if err := o.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer o.sem.Release(1)

		o.process(ctx, req)
	}()
}

// stop cancels the request's loop and returns a channel closed when it exits.
func (o *Orchestrator) stop(id uint) <-chan struct{} {
	o.mu.Lock()
	r, ok := o.running[id]
	o.mu.Unlock()
	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	r.cancel()
	return r.done
}

// Running reports whether a loop is active for the request.
func (o *Orchestrator) Running(id uint) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

func (o *Orchestrator) process(ctx context.Context, req models.FundingRequest) {
	log := o.log.With(zap.Uint("request_id", req.ID), zap.Int64("chat_id", req.ChatID))

	for req.AddedCount < req.RequestedCount {
		if ctx.Err() != nil {
			log.Info("funding loop stopped", zap.Int("added", req.AddedCount))
			return
		}
		open, err := o.isOpen(ctx, req.ID)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("check request status", zap.Error(err))
			}
			return
		}
		if !open {
			log.Info("funding request closed, loop exits", zap.Int("added", req.AddedCount))
			return
		}

		number, err := o.pool.Allocate(ctx, req.ID)
		if errors.Is(err, pool.ErrExhausted) {
			log.Warn("pool exhausted", zap.Int("added", req.AddedCount), zap.Int("requested", req.RequestedCount))
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("allocate number", zap.Error(err))
			break
		}

		if err := o.adder.AddMember(ctx, req.ChatID, number.Value); err != nil {
			log.Warn("add member failed", zap.Uint("number_id", number.ID), zap.Error(err))
		} else if err := o.recordAdded(req.ID); err != nil {
			log.Error("record added member", zap.Uint("number_id", number.ID), zap.Error(err))
		} else {
			req.AddedCount++
			req.RemainingCount--
			if req.AddedCount%progressEvery == 0 || req.AddedCount == req.RequestedCount {
				o.notify(req.UserID, Event{Kind: EventProgress, Request: req})
			}
		}

		if req.AddedCount < req.RequestedCount {
			if err := o.pace(ctx); err != nil {
				log.Info("funding loop stopped", zap.Int("added", req.AddedCount))
				return
			}
		}
	}

	if req.AddedCount < req.RequestedCount {
		ev := Event{Kind: EventShortfall, Request: req}
		o.notify(req.UserID, ev)
		for _, admin := range o.accounts.AdminIDs() {
			o.notify(admin, ev)
		}
		return
	}

	completed, err := o.complete(&req)
	if err != nil {
		log.Error("complete funding request", zap.Error(err))
		return
	}
	if completed {
		log.Info("funding request completed", zap.Int("added", req.AddedCount))
		o.notify(req.UserID, Event{Kind: EventCompleted, Request: req})
	}
}

// isOpen reports whether the request is still pending or approved.
func (o *Orchestrator) isOpen(ctx context.Context, id uint) (bool, error) {
	var n int64
	err := o.db.WithContext(ctx).Model(&models.FundingRequest{}).
		Where("id = ? AND status IN ?", id, []models.FundingStatus{models.FundingPending, models.FundingApproved}).
		Count(&n).Error
	return n == 1, err
}

// recordAdded ignores the loop's context: a member that was added must be
// counted even when the loop is being stopped.
func (o *Orchestrator) recordAdded(id uint) error {
	return o.db.WithContext(context.Background()).Model(&models.FundingRequest{}).
		Where("id = ? AND remaining_count > 0", id).
		Updates(map[string]interface{}{
			"added_count":     gorm.Expr("added_count + 1"),
			"remaining_count": gorm.Expr("remaining_count - 1"),
		}).Error
}

// complete moves an open request to completed and credits the owner's
// funded counter. It is a no-op when an admin already closed the request.
func (o *Orchestrator) complete(req *models.FundingRequest) (bool, error) {
	now := time.Now()
	completed := false
	err := o.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.FundingRequest{}).
			Where("id = ? AND status IN ?", req.ID, []models.FundingStatus{models.FundingPending, models.FundingApproved}).
			Updates(map[string]interface{}{
				"status":       models.FundingCompleted,
				"completed_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		completed = true
		return o.accounts.AddFundedTx(tx, req.UserID, req.AddedCount)
	})
	if err != nil {
		return false, err
	}
	if completed {
		req.Status = models.FundingCompleted
		req.CompletedAt = &now
	}
	return completed, nil
}

func (o *Orchestrator) Get(ctx context.Context, id uint) (*models.FundingRequest, error) {
	var req models.FundingRequest
	err := o.db.WithContext(ctx).First(&req, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// ListByUser returns the user's requests, newest first.
func (o *Orchestrator) ListByUser(ctx context.Context, userID int64, limit int) ([]models.FundingRequest, error) {
	var reqs []models.FundingRequest
	err := o.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").Limit(limit).Find(&reqs).Error
	return reqs, err
}

// Approve marks a pending request approved. The loop is not affected.
func (o *Orchestrator) Approve(ctx context.Context, id uint) (*models.FundingRequest, error) {
	err := o.transition(o.db.WithContext(ctx), id, []models.FundingStatus{models.FundingPending}, models.FundingApproved)
	if err != nil {
		return nil, err
	}
	req, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	o.notify(req.UserID, Event{Kind: EventApproved, Request: *req})
	return req, nil
}

// Reject refunds the full cost and stops the loop. Members already added
// are not deducted from the refund.
func (o *Orchestrator) Reject(ctx context.Context, id uint) (*models.FundingRequest, error) {
	var req models.FundingRequest
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&req, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		open := []models.FundingStatus{models.FundingPending, models.FundingApproved}
		if err := o.transition(tx, id, open, models.FundingRejected); err != nil {
			return err
		}
		desc := fmt.Sprintf("refund for rejected funding #%d", id)
		_, err := o.ledger.AdjustTx(tx, req.UserID, req.CostPoints, models.CategoryRefund, desc)
		return err
	})
	if err != nil {
		return nil, err
	}

	<-o.stop(id)

	fresh, err := o.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, err
	}
	o.log.Info("funding request rejected", zap.Uint("request_id", id), zap.Int("added", fresh.AddedCount), zap.Int64("refund", req.CostPoints))
	o.notify(fresh.UserID, Event{Kind: EventRejected, Request: *fresh, Refund: req.CostPoints})
	return fresh, nil
}

// Cancel lets the owner stop an open request. The undelivered share of the
// cost is refunded. Once the loop is stopped the cancellation is committed
// even if ctx ends meanwhile.
func (o *Orchestrator) Cancel(ctx context.Context, id uint, userID int64) (*models.FundingRequest, error) {
	req, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.UserID != userID {
		return nil, ErrNotOwner
	}
	if req.Status.Terminal() {
		return nil, &StatusError{Status: req.Status}
	}

	<-o.stop(id)

	var refund int64
	err = o.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(req, id).Error; err != nil {
			return err
		}
		open := []models.FundingStatus{models.FundingPending, models.FundingApproved}
		if err := o.transition(tx, id, open, models.FundingCancelled); err != nil {
			return err
		}
		refund = req.CostPoints * int64(req.RemainingCount) / int64(req.RequestedCount)
		if refund == 0 {
			return nil
		}
		desc := fmt.Sprintf("refund for %d undelivered members of funding #%d", req.RemainingCount, id)
		_, err := o.ledger.AdjustTx(tx, req.UserID, refund, models.CategoryRefund, desc)
		return err
	})
	if err != nil {
		return nil, err
	}
	req.Status = models.FundingCancelled

	o.log.Info("funding request cancelled", zap.Uint("request_id", id), zap.Int("added", req.AddedCount), zap.Int64("refund", refund))
	o.notify(req.UserID, Event{Kind: EventCancelled, Request: *req, Refund: refund})
	return req, nil
}

func (o *Orchestrator) transition(db *gorm.DB, id uint, from []models.FundingStatus, to models.FundingStatus) error {
	result := db.Model(&models.FundingRequest{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	var current models.FundingRequest
	if err := db.Select("status").First(&current, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	return &StatusError{Status: current.Status}
}

type Stats struct {
	Open      int64
	Completed int64
	Added     int64
}

func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := o.db.WithContext(ctx)
	open := []models.FundingStatus{models.FundingPending, models.FundingApproved}
	if err := db.Model(&models.FundingRequest{}).Where("status IN ?", open).Count(&st.Open).Error; err != nil {
		return st, err
	}
	if err := db.Model(&models.FundingRequest{}).Where("status = ?", models.FundingCompleted).Count(&st.Completed).Error; err != nil {
		return st, err
	}
	err := db.Model(&models.FundingRequest{}).Select("COALESCE(SUM(added_count), 0)").Scan(&st.Added).Error
	return st, err
}

// notify delivers best-effort: a failure is logged and otherwise ignored.
func (o *Orchestrator) notify(userID int64, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.notifier.Notify(ctx, userID, ev); err != nil {
		o.log.Warn("notification failed",
			zap.Int64("user_id", userID), zap.String("event", string(ev.Kind)),
			zap.Uint("request_id", ev.Request.ID), zap.Error(err))
	}
}

// Shutdown stops every loop and waits for them, up to ctx's deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdown()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every running loop has exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}
