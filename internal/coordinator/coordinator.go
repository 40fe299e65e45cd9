package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/betbot/relayer/internal/chain"
	"github.com/betbot/relayer/internal/domain"
	"github.com/betbot/relayer/internal/events"
	"github.com/betbot/relayer/internal/metrics"
	"github.com/betbot/relayer/internal/orderstore"
	"github.com/betbot/relayer/internal/relay"
	"github.com/betbot/relayer/internal/validation"
	"github.com/betbot/relayer/pkg/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// ErrConnectivity 源链订阅或查询失败；触发重连与对账，不是致命错误
var ErrConnectivity = errors.New("origin connectivity lost")

// Submitter 中继提交方
type Submitter interface {
	Submit(ctx context.Context, id common.Hash) (*relay.Handle, error)
	Resume(ctx context.Context) (int, error)
}

// Validator 校验闸门
type Validator interface {
	Validate(ctx validation.ChainContext, o *domain.Order) validation.Decision
}

// Config 协调器参数
type Config struct {
	Contract common.Address
	// StartBlock 首次启动（无持久化游标）时的对账起点；0 表示从当前高度开始
	StartBlock        uint64
	ReorgDepth        uint64
	ReconcileChunk    uint64
	ConfirmationDepth uint64
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// ReorgInterval 实时消费期间重组检查的周期
	ReorgInterval time.Duration
	// LogBuffer 实时日志缓冲（对账期间到达的日志暂存于此）
	LogBuffer int
}

// Coordinator 订阅源链事件并驱动订单状态机。所有事件分发都在 Run 的 goroutine 中完成（单写者）。
type Coordinator struct {
	origin    chain.OriginConnector
	store     *orderstore.Store
	gate      Validator
	submitter Submitter
	cfg       Config
	clock     relay.Clock

	head      atomic.Uint64
	recovered bool
	// lastLiveBlock 实时流中最近一条日志的区块；出现更高区块时，之前的区块视为处理完毕
	lastLiveBlock uint64
	// awaiting 未达到确认深度的 Opened 订单 → Open 所在区块
	awaiting map[common.Hash]uint64
}

// Option 可选依赖
type Option func(*Coordinator)

// WithClock 替换重连等待使用的时钟（测试）
func WithClock(c relay.Clock) Option { return func(co *Coordinator) { co.clock = c } }

// New 创建协调器
func New(origin chain.OriginConnector, store *orderstore.Store, gate Validator, submitter Submitter, cfg Config, opts ...Option) *Coordinator {
	if cfg.ReconcileChunk == 0 {
		cfg.ReconcileChunk = 2000
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = 30 * cfg.ReconnectDelay
	}
	if cfg.ReorgInterval <= 0 {
		cfg.ReorgInterval = 30 * time.Second
	}
	if cfg.LogBuffer <= 0 {
		cfg.LogBuffer = 1024
	}
	c := &Coordinator{
		origin:    origin,
		store:     store,
		gate:      gate,
		submitter: submitter,
		cfg:       cfg,
		clock:     relay.RealClock(),
		awaiting:  make(map[common.Hash]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) log() *logrus.Entry {
	return logger.WithField("component", "coordinator")
}

// Head 最近观察到的源链高度
func (c *Coordinator) Head() uint64 { return c.head.Load() }

func (c *Coordinator) observeHead(n uint64) {
	for {
		cur := c.head.Load()
		if n <= cur || c.head.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Run 运行 订阅 → 对账 → 重组检查 → 消费实时流 的循环，直到 ctx 取消。
// 连接错误不会让 Run 返回：等待 ReconnectDelay（逐次翻倍至上限）后重来。
func (c *Coordinator) Run(ctx context.Context) error {
	if n, err := c.submitter.Resume(ctx); err != nil {
		c.log().Warnf("resume submissions: %v", err)
	} else if n > 0 {
		c.log().Infof("resumed %d submissions", n)
	}

	delay := c.cfg.ReconnectDelay
	for {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			c.log().Info("coordinator stopped")
			return nil
		}
		if err != nil && !errors.Is(err, ErrConnectivity) {
			return err
		}
		if established {
			delay = c.cfg.ReconnectDelay
		}
		metrics.Reconnects.Inc()
		c.log().WithField("retry_in", delay).Warnf("origin stream lost: %v", err)

		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(delay):
		}
		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

func connectivity(err error) error {
	return fmt.Errorf("%w: %v", ErrConnectivity, err)
}

func (c *Coordinator) query() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.cfg.Contract},
		Topics:    [][]common.Hash{events.Topics()},
	}
}

// session 一次连接的生命周期。established 表示订阅与对账都已完成。
func (c *Coordinator) session(ctx context.Context) (bool, error) {
	logs := make(chan types.Log, c.cfg.LogBuffer)
	sub, err := c.origin.Subscribe(ctx, c.query(), logs)
	if err != nil {
		return false, connectivity(err)
	}
	defer sub.Unsubscribe()

	head, err := c.origin.HeadBlock(ctx)
	if err != nil {
		return false, connectivity(err)
	}
	c.observeHead(head)

	if err := c.initCursor(head); err != nil {
		return false, err
	}
	if err := c.reconcile(ctx, head); err != nil {
		return false, err
	}
	if err := c.checkReorg(ctx, head); err != nil {
		return false, err
	}
	if !c.recovered {
		c.recoverOpened(ctx)
		c.recovered = true
	}
	c.releaseConfirmed(ctx)
	c.lastLiveBlock = 0

	ticker := time.NewTicker(c.cfg.ReorgInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return true, connectivity(err)
		case l := <-logs:
			c.handleLive(ctx, l)
		case <-ticker.C:
			head, err := c.origin.HeadBlock(ctx)
			if err != nil {
				return true, connectivity(err)
			}
			c.observeHead(head)
			if err := c.checkReorg(ctx, head); err != nil {
				return true, err
			}
			c.releaseConfirmed(ctx)
		}
	}
}

func (c *Coordinator) initCursor(head uint64) error {
	if _, ok := c.store.Cursor(); ok {
		return nil
	}
	start := c.cfg.StartBlock
	if start == 0 {
		start = head + 1
	}
	if start == 0 {
		return nil
	}
	if err := c.store.SetCursor(start - 1); err != nil {
		return err
	}
	return nil
}

// handleLive 处理实时日志并推进游标
func (c *Coordinator) handleLive(ctx context.Context, l types.Log) {
	if !l.Removed && l.BlockNumber > c.lastLiveBlock {
		if c.lastLiveBlock > 0 {
			c.advanceCursor(c.lastLiveBlock)
		}
		c.lastLiveBlock = l.BlockNumber
	}
	c.observeHead(l.BlockNumber)
	c.handleLog(ctx, l)
}

func (c *Coordinator) advanceCursor(block uint64) {
	if err := c.store.SetCursor(block); err != nil {
		c.log().Errorf("save cursor: %v", err)
		return
	}
	metrics.CursorBlock.Set(float64(block))
}

// reconcile 以 ReconcileChunk 为步长重放 (cursor, head] 的历史日志
func (c *Coordinator) reconcile(ctx context.Context, head uint64) error {
	cursor, _ := c.store.Cursor()
	from := cursor + 1
	if from > head {
		return nil
	}
	metrics.ReconcileRuns.Inc()
	c.log().WithFields(logrus.Fields{"from": from, "to": head}).Info("reconciling")

	for start := from; start <= head; start += c.cfg.ReconcileChunk {
		end := start + c.cfg.ReconcileChunk - 1
		if end > head || end < start {
			end = head
		}
		q := c.query()
		q.FromBlock = bigOf(start)
		q.ToBlock = bigOf(end)
		logs, err := c.origin.GetLogs(ctx, q)
		if err != nil {
			metrics.ReconcileErrors.Inc()
			return connectivity(err)
		}
		sortLogs(logs)
		for _, l := range logs {
			c.handleLog(ctx, l)
		}
		c.advanceCursor(end)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if end == head {
			break
		}
	}
	return nil
}

// handleLog 解码并分发一条日志
func (c *Coordinator) handleLog(ctx context.Context, l types.Log) {
	ev, err := events.Decode(l)
	if err != nil {
		metrics.DecodeErrors.Inc()
		c.log().WithFields(logrus.Fields{"block": l.BlockNumber, "tx": l.TxHash.Hex(), "index": l.Index}).
			Warnf("skip undecodable log: %v", err)
		return
	}
	metrics.EventsDecoded.WithLabelValues(events.Name(ev)).Inc()
	c.dispatch(ctx, ev)
}

func (c *Coordinator) dispatch(ctx context.Context, ev events.Event) {
	switch e := ev.(type) {
	case *events.OrderOpened:
		if e.Removed {
			c.revert(e.OrderID, fmt.Sprintf("open log removed at block %d", e.Block.Number))
			c.rewindTo(e.Block.Number)
			return
		}
		state, err := c.store.Apply(e.OrderID, orderstore.Open(e.Payload, e.Block, e.TxHash, e.LogIndex))
		if err != nil {
			c.logStateError(e.OrderID, err)
			return
		}
		if state == domain.StateOpened {
			c.evaluate(ctx, e.OrderID)
		}
	case *events.OrderFilled:
		c.applyOutcome(e.OrderID, orderstore.Transition{Kind: orderstore.KindFill, Origin: e.Block}, e.Removed)
	case *events.OrderCancelled:
		c.applyOutcome(e.OrderID, orderstore.Transition{Kind: orderstore.KindCancel, Origin: e.Block}, e.Removed)
	case *events.UnknownEvent:
		c.log().WithFields(logrus.Fields{"topic": e.Topic.Hex(), "block": e.Block.Number}).Debug("ignoring unknown event")
	default:
		c.log().Errorf("unhandled event type %T", ev)
	}
}

func (c *Coordinator) applyOutcome(id common.Hash, t orderstore.Transition, removed bool) {
	if removed {
		// 终态不可回退；重组后的规范链若仍包含该事件会再次送达
		c.log().WithFields(logrus.Fields{"order_id": id.Hex(), "event": t.Kind}).Warn("terminal event log removed by reorg")
		return
	}
	if _, err := c.store.Apply(id, t); err != nil {
		c.logStateError(id, err)
	}
}

func (c *Coordinator) logStateError(id common.Hash, err error) {
	entry := c.log().WithField("order_id", id.Hex())
	switch {
	case errors.Is(err, orderstore.ErrOrphanEvent):
		entry.Infof("orphan event: %v", err)
	case errors.Is(err, orderstore.ErrDeferred):
		entry.Debugf("event deferred: %v", err)
	default:
		entry.Warnf("transition skipped: %v", err)
	}
}

// evaluate 校验新 Opened 订单，通过则交给 Submitter（异步，不阻塞事件流）。
// 未达到 ConfirmationDepth 的订单保持 Opened（仍可因重组回退），等 releaseConfirmed 再评估。
func (c *Coordinator) evaluate(ctx context.Context, id common.Hash) {
	o, ok := c.store.Get(id)
	if !ok || o.State != domain.StateOpened {
		delete(c.awaiting, id)
		return
	}
	if !c.confirmed(o.Origin.Number) {
		c.awaiting[id] = o.Origin.Number
		return
	}
	delete(c.awaiting, id)
	d := c.gate.Validate(validation.ChainContext{CurrentBlock: c.Head()}, o)
	if !d.Accepted {
		if _, err := c.store.Apply(id, orderstore.Reject(string(d.Reason))); err != nil {
			c.logStateError(id, err)
			return
		}
		if d.Detail != "" {
			c.store.RecordError(id, d.Detail)
		}
		return
	}
	if _, err := c.submitter.Submit(ctx, id); err != nil {
		c.log().WithField("order_id", id.Hex()).Errorf("submit: %v", err)
	}
}

func (c *Coordinator) confirmed(block uint64) bool {
	return c.cfg.ConfirmationDepth == 0 || c.Head() >= block+c.cfg.ConfirmationDepth
}

// releaseConfirmed 评估已达到确认深度的订单；只在重组检查之后调用
func (c *Coordinator) releaseConfirmed(ctx context.Context) {
	for id, block := range c.awaiting {
		if c.confirmed(block) {
			c.evaluate(ctx, id)
		}
	}
}

// Awaiting 等待确认深度的订单数
func (c *Coordinator) Awaiting() int { return len(c.awaiting) }

// recoverOpened 重启后重新评估停在 Opened 的订单
func (c *Coordinator) recoverOpened(ctx context.Context) {
	opened := c.store.List(orderstore.Filter{State: domain.StateOpened})
	for _, o := range opened {
		c.evaluate(ctx, o.ID)
	}
	if len(opened) > 0 {
		c.log().Infof("re-evaluated %d opened orders", len(opened))
	}
}

func (c *Coordinator) revert(id common.Hash, reason string) bool {
	if _, err := c.store.Apply(id, orderstore.Revert(reason)); err != nil {
		c.log().WithField("order_id", id.Hex()).Warnf("reorg revert skipped: %v", err)
		return false
	}
	metrics.ReorgReverts.Inc()
	return true
}

func (c *Coordinator) rewindTo(block uint64) {
	if block == 0 {
		return
	}
	if err := c.store.RewindCursor(block - 1); err != nil {
		c.log().Errorf("rewind cursor: %v", err)
	}
}

// checkReorg 比对 ReorgDepth 内可回退订单的区块哈希；不一致的退回 Pending 并从该区块重新对账
func (c *Coordinator) checkReorg(ctx context.Context, head uint64) error {
	if c.cfg.ReorgDepth == 0 {
		return nil
	}
	low := uint64(0)
	if head > c.cfg.ReorgDepth {
		low = head - c.cfg.ReorgDepth
	}

	hashes := make(map[uint64]common.Hash)
	lowest := uint64(0)
	for _, o := range c.store.List(orderstore.Filter{}) {
		if !revertible(o) || o.Origin.Number < low || o.Origin.Number > head {
			continue
		}
		canonical, ok := hashes[o.Origin.Number]
		if !ok {
			h, err := c.origin.BlockHash(ctx, o.Origin.Number)
			if err != nil {
				return connectivity(err)
			}
			hashes[o.Origin.Number] = h
			canonical = h
		}
		if canonical == o.Origin.Hash {
			continue
		}
		c.log().WithFields(logrus.Fields{
			"order_id": o.ID.Hex(), "block": o.Origin.Number,
			"observed": o.Origin.Hash.Hex(), "canonical": canonical.Hex(),
		}).Warn("origin block no longer canonical")
		if c.revert(o.ID, fmt.Sprintf("reorg at block %d", o.Origin.Number)) && (lowest == 0 || o.Origin.Number < lowest) {
			lowest = o.Origin.Number
		}
	}
	if lowest == 0 {
		return nil
	}
	c.rewindTo(lowest)
	return c.reconcile(ctx, head)
}

// 只有尚未进入提交流程的订单可以因重组回退
func revertible(o *domain.Order) bool {
	switch o.State {
	case domain.StateOpened:
		return true
	case domain.StateFailed:
		return o.Failure == domain.FailureValidation
	default:
		return false
	}
}
