package orderstore

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/betbot/relayer/internal/domain"
	"github.com/betbot/relayer/pkg/logger"
	"github.com/betbot/relayer/pkg/persistence"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Change 一次已生效的状态变迁，推送给观察者
type Change struct {
	OrderID common.Hash
	From    domain.OrderState
	To      domain.OrderState
	Kind    Kind
	Cause   string
	At      time.Time
}

// Observer 在订单所在分片锁内同步调用，保证同一订单的变迁按顺序送达。
// 观察者不得回调 Store。
type Observer func(Change)

// Orphan 未知订单的 Fill/Cancel 事件
type Orphan struct {
	OrderID common.Hash     `json:"order_id"`
	Kind    Kind            `json:"kind"`
	Block   domain.BlockRef `json:"block"`
	SeenAt  time.Time       `json:"seen_at"`
}

// Stats 订单统计
type Stats struct {
	Total   int                       `json:"total"`
	ByState map[domain.OrderState]int `json:"by_state"`
	Orphans int                       `json:"orphans"`
	Cursor  uint64                    `json:"cursor"`
}

// Filter List 过滤条件；零值表示全部
type Filter struct {
	State domain.OrderState
	Limit int
}

// Options Store 构造参数
type Options struct {
	// Persist 为 nil 时仅内存
	Persist persistence.Store
	Shards  int
	Now     func() time.Time
}

// Store 订单的唯一事实来源。按订单 ID 分片加锁，同一订单的所有读写串行。
type Store struct {
	shards  []shard
	persist persistence.Store
	now     func() time.Time

	orphanMu sync.Mutex
	orphans  map[common.Hash][]Orphan

	obsMu     sync.RWMutex
	observers []Observer

	cursorMu  sync.Mutex
	cursor    uint64
	hasCursor bool
}

type shard struct {
	mu       sync.Mutex
	orders   map[common.Hash]*domain.Order
	deferred map[common.Hash][]Transition
}

// New 创建 Store
func New(opts Options) *Store {
	if opts.Shards <= 0 {
		opts.Shards = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		shards:  make([]shard, opts.Shards),
		persist: opts.Persist,
		now:     opts.Now,
		orphans: make(map[common.Hash][]Orphan),
	}
	for i := range s.shards {
		s.shards[i].orders = make(map[common.Hash]*domain.Order)
		s.shards[i].deferred = make(map[common.Hash][]Transition)
	}
	return s
}

func (s *Store) shard(id common.Hash) *shard {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return &s.shards[int(h.Sum32()%uint32(len(s.shards)))]
}

// Observe 注册状态变迁观察者
func (s *Store) Observe(fn Observer) {
	if fn == nil {
		return
	}
	s.obsMu.Lock()
	s.observers = append(s.observers, fn)
	s.obsMu.Unlock()
}

func (s *Store) notify(c Change) {
	s.obsMu.RLock()
	obs := s.observers
	s.obsMu.RUnlock()
	for _, fn := range obs {
		fn(c)
	}
}

// Apply 对订单执行一次状态转换，返回转换后的状态。
//
//   - 重复投递（目标状态等于当前状态）是 no-op，返回当前状态且无错误
//   - 未知订单的 Fill/Cancel 记为孤儿，返回 ErrOrphanEvent
//   - 暂不可用的 Fill/Cancel 被暂存，返回 ErrDeferred
//   - 其它不在状态表中的转换返回 ErrInvalidTransition
func (s *Store) Apply(id common.Hash, t Transition) (domain.OrderState, error) {
	if t.Kind.Target() == "" {
		return "", &StateError{OrderID: id, Kind: t.Kind, Err: ErrInvalidTransition}
	}
	if t.Kind == KindStartSubmit {
		_, _, err := s.BeginSubmission(id, 0)
		if err != nil {
			return "", err
		}
		o, _ := s.Get(id)
		return o.State, nil
	}

	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	o, ok := sh.orders[id]
	if !ok {
		switch t.Kind {
		case KindOpen:
			o = &domain.Order{ID: id, State: domain.StatePending, CreatedAt: s.now()}
			sh.orders[id] = o
			s.adoptOrphans(sh, id)
		case KindFill, KindCancel:
			s.recordOrphan(id, t)
			return "", &StateError{OrderID: id, Kind: t.Kind, Err: ErrOrphanEvent}
		default:
			return "", &StateError{OrderID: id, Kind: t.Kind, Err: ErrNotFound}
		}
	}

	if err := s.applyLocked(sh, o, t); err != nil {
		return o.State, err
	}
	return o.State, nil
}

func (s *Store) applyLocked(sh *shard, o *domain.Order, t Transition) error {
	if duplicate(o, t.Kind) {
		return nil
	}
	if !allowed(o, t.Kind) {
		if deferrable(o.State, t.Kind) {
			sh.deferred[o.ID] = append(sh.deferred[o.ID], t)
			return &StateError{OrderID: o.ID, From: o.State, Kind: t.Kind, Err: ErrDeferred}
		}
		return &StateError{OrderID: o.ID, From: o.State, Kind: t.Kind, Err: ErrInvalidTransition}
	}

	s.mutateLocked(o, t)
	s.replayDeferred(sh, o)
	return nil
}

// mutateLocked 执行已校验的转换并持久化、通知观察者
func (s *Store) mutateLocked(o *domain.Order, t Transition) {
	from, to := o.State, t.Kind.Target()
	now := s.now()

	switch t.Kind {
	case KindOpen:
		o.Payload = append([]byte(nil), t.Payload...)
		o.Origin = t.Origin
		o.OriginTx = t.OriginTx
		o.LogIndex = t.LogIndex
	case KindReject:
		o.Failure = domain.FailureValidation
		o.FailReason = t.Reason
	case KindSubmitFailed:
		o.Failure = domain.FailureSubmission
		o.FailReason = t.Reason
		o.LastError = t.Reason
	case KindConfirmed:
		if o.Submission != nil && t.TxHash != (common.Hash{}) {
			o.Submission.TxHash = t.TxHash
		}
	case KindRevert:
		o.Failure = domain.FailureNone
		o.FailReason = ""
	}

	cause := t.Reason
	if cause == "" {
		cause = string(t.Kind)
	}
	o.State = to
	o.UpdatedAt = now
	o.History = append(o.History, domain.HistoryEntry{From: from, To: to, At: now, Cause: cause})
	s.persistOrder(o)

	fields := logrus.Fields{"order_id": o.ID.Hex(), "from": from, "to": to}
	if t.Reason != "" {
		fields["reason"] = t.Reason
	}
	if to.IsTerminal() || t.Kind == KindRevert {
		logger.WithFields(fields).Info("order state changed")
	} else {
		logger.WithFields(fields).Debug("order state changed")
	}

	s.notify(Change{OrderID: o.ID, From: from, To: to, Kind: t.Kind, Cause: cause, At: now})
}

// replayDeferred 状态前进后重放暂存事件；进入终态时丢弃剩余的
func (s *Store) replayDeferred(sh *shard, o *domain.Order) {
	for {
		pending := sh.deferred[o.ID]
		if len(pending) == 0 {
			return
		}
		if o.State.IsTerminal() {
			logger.WithFields(logrus.Fields{"order_id": o.ID.Hex(), "dropped": len(pending)}).
				Debug("dropping deferred events for terminal order")
			delete(sh.deferred, o.ID)
			return
		}
		progressed := false
		var keep []Transition
		for _, t := range pending {
			if progressed {
				keep = append(keep, t)
				continue
			}
			if duplicate(o, t.Kind) {
				continue
			}
			if allowed(o, t.Kind) {
				s.mutateLocked(o, t)
				progressed = true
				continue
			}
			if deferrable(o.State, t.Kind) {
				keep = append(keep, t)
			}
		}
		if len(keep) == 0 {
			delete(sh.deferred, o.ID)
		} else {
			sh.deferred[o.ID] = keep
		}
		if !progressed {
			return
		}
	}
}

func (s *Store) recordOrphan(id common.Hash, t Transition) {
	s.orphanMu.Lock()
	defer s.orphanMu.Unlock()
	for _, o := range s.orphans[id] {
		if o.Kind == t.Kind {
			return
		}
	}
	orphan := Orphan{OrderID: id, Kind: t.Kind, Block: t.Origin, SeenAt: s.now()}
	s.orphans[id] = append(s.orphans[id], orphan)
	s.save(orphanKey(id), s.orphans[id])
	logger.WithFields(logrus.Fields{"order_id": id.Hex(), "event": t.Kind}).Warn("event for unknown order recorded as orphan")
}

// adoptOrphans Open 到达时，把该订单此前的孤儿事件转为暂存事件
func (s *Store) adoptOrphans(sh *shard, id common.Hash) {
	s.orphanMu.Lock()
	list := s.orphans[id]
	delete(s.orphans, id)
	s.orphanMu.Unlock()
	if len(list) == 0 {
		return
	}
	s.remove(orphanKey(id))
	for _, o := range list {
		sh.deferred[id] = append(sh.deferred[id], Transition{Kind: o.Kind})
	}
}

// BeginSubmission 原子地检查并开始提交：
//   - Opened：转为 Submitting，创建新的提交记录，begun=true
//   - Submitting：返回已有提交记录（attach），begun=false
//   - 其它状态：ErrInvalidTransition
func (s *Store) BeginSubmission(id common.Hash, chainID uint64) (*domain.Submission, bool, error) {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	o, ok := sh.orders[id]
	if !ok {
		return nil, false, &StateError{OrderID: id, Kind: KindStartSubmit, Err: ErrNotFound}
	}
	switch o.State {
	case domain.StateSubmitting:
		return cloneSubmission(o.Submission), false, nil
	case domain.StateOpened:
		o.Submission = &domain.Submission{ID: uuid.NewString(), ChainID: chainID}
		s.mutateLocked(o, Transition{Kind: KindStartSubmit})
		sub := cloneSubmission(o.Submission)
		s.replayDeferred(sh, o)
		return sub, true, nil
	default:
		return nil, false, &StateError{OrderID: id, From: o.State, Kind: KindStartSubmit, Err: ErrInvalidTransition}
	}
}

// UpdateSubmission 修改进行中的提交记录（nonce、交易哈希、重试次数）
func (s *Store) UpdateSubmission(id common.Hash, fn func(*domain.Submission)) error {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	o, ok := sh.orders[id]
	if !ok {
		return &StateError{OrderID: id, Err: ErrNotFound}
	}
	if o.State != domain.StateSubmitting || o.Submission == nil {
		return &StateError{OrderID: id, From: o.State, Err: fmt.Errorf("no submission in flight: %w", ErrInvalidTransition)}
	}
	fn(o.Submission)
	o.UpdatedAt = s.now()
	s.persistOrder(o)
	return nil
}

// RecordError 记录最近一次错误（诊断用，不改变状态）
func (s *Store) RecordError(id common.Hash, msg string) {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if o, ok := sh.orders[id]; ok {
		o.LastError = msg
		o.UpdatedAt = s.now()
		s.persistOrder(o)
	}
}

// Get 返回订单副本
func (s *Store) Get(id common.Hash) (*domain.Order, bool) {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	o, ok := sh.orders[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// List 返回订单副本，按创建时间排序
func (s *Store) List(f Filter) []*domain.Order {
	var out []*domain.Order
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, o := range sh.orders {
			if f.State != "" && o.State != f.State {
				continue
			}
			out = append(out, o.Clone())
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.Big().Cmp(out[j].ID.Big()) < 0
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Orphans 当前记录的孤儿事件
func (s *Store) Orphans() []Orphan {
	s.orphanMu.Lock()
	defer s.orphanMu.Unlock()
	var out []Orphan
	for _, list := range s.orphans {
		out = append(out, list...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeenAt.Before(out[j].SeenAt) })
	return out
}

// Stats 按状态统计
func (s *Store) Stats() Stats {
	st := Stats{ByState: make(map[domain.OrderState]int, len(domain.AllStates))}
	for _, state := range domain.AllStates {
		st.ByState[state] = 0
	}
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, o := range sh.orders {
			st.ByState[o.State]++
			st.Total++
		}
		sh.mu.Unlock()
	}
	s.orphanMu.Lock()
	for _, list := range s.orphans {
		st.Orphans += len(list)
	}
	s.orphanMu.Unlock()
	st.Cursor, _ = s.Cursor()
	return st
}

// Cursor 最后一个已完整分发的源链区块
func (s *Store) Cursor() (uint64, bool) {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	return s.cursor, s.hasCursor
}

// SetCursor 推进游标（只前进，不后退）
func (s *Store) SetCursor(block uint64) error {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	if s.hasCursor && block <= s.cursor {
		return nil
	}
	s.cursor, s.hasCursor = block, true
	if s.persist == nil {
		return nil
	}
	if err := s.persist.Save(cursorKey, block); err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}
	return nil
}

// RewindCursor 链重组后把游标退回到指定区块，使对账重新覆盖被回退的区间
func (s *Store) RewindCursor(block uint64) error {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	if !s.hasCursor || block >= s.cursor {
		return nil
	}
	s.cursor = block
	if s.persist == nil {
		return nil
	}
	if err := s.persist.Save(cursorKey, block); err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}
	return nil
}

func cloneSubmission(sub *domain.Submission) *domain.Submission {
	if sub == nil {
		return nil
	}
	return (&domain.Order{Submission: sub}).Clone().Submission
}
