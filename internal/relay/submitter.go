package relay

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/betbot/relayer/internal/chain"
	"github.com/betbot/relayer/internal/domain"
	"github.com/betbot/relayer/internal/metrics"
	"github.com/betbot/relayer/internal/orderstore"
	"github.com/betbot/relayer/pkg/logger"
	"github.com/betbot/relayer/pkg/ratelimit"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Config Submitter 参数
type Config struct {
	Contract       common.Address
	Workers        int
	Policy         Policy
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// GasBumpPercent 替换同 nonce 交易时 gas price 的最小涨幅
	GasBumpPercent         int
	TransientRevertReasons []string
}

// Outcome 提交的最终结果。State 为 Submitting 表示因关闭而中断，重启后可恢复。
type Outcome struct {
	State  domain.OrderState
	TxHash common.Hash
	Err    error
}

// Handle 一次提交的句柄；同一订单的并发 Submit 得到同一个句柄
type Handle struct {
	OrderID      common.Hash
	SubmissionID string

	done    chan struct{}
	outcome Outcome
}

// Done 结果就绪时关闭
func (h *Handle) Done() <-chan struct{} { return h.done }

func resolvedHandle(id common.Hash, o *domain.Order) *Handle {
	h := &Handle{OrderID: id, done: make(chan struct{})}
	h.outcome.State = o.State
	if o.Submission != nil {
		h.SubmissionID = o.Submission.ID
		h.outcome.TxHash = o.Submission.TxHash
	}
	if o.State == domain.StateFailed {
		h.outcome.Err = errors.New(o.FailReason)
	}
	close(h.done)
	return h
}

// Option 可选依赖
type Option func(*Submitter)

// WithClock 替换时钟（测试）
func WithClock(c Clock) Option { return func(s *Submitter) { s.clock = c } }

// WithLimiter 限制交易发送频率
func WithLimiter(l ratelimit.RateLimiter) Option { return func(s *Submitter) { s.limiter = l } }

// Submitter 把通过校验的订单变成目标链上的 confirm 交易。
// 每个订单的提交在独立 goroutine 中运行，全局并发受 Workers 限制。
type Submitter struct {
	store      *orderstore.Store
	dest       chain.DestinationConnector
	signer     chain.Signer
	cfg        Config
	clock      Clock
	limiter    ratelimit.RateLimiter
	nonces     *NonceManager
	classifier *Classifier
	sem        *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[common.Hash]*Handle
	// sent 本进程签名过的交易，按订单分组；查 revert 原因时需要原交易
	sent   map[common.Hash]map[common.Hash]*types.Transaction
	closed bool
}

// New 创建 Submitter
func New(store *orderstore.Store, dest chain.DestinationConnector, signer chain.Signer, cfg Config, opts ...Option) *Submitter {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Submitter{
		store:      store,
		dest:       dest,
		signer:     signer,
		cfg:        cfg,
		clock:      RealClock(),
		nonces:     NewNonceManager(dest, signer.Address()),
		classifier: NewClassifier(cfg.TransientRevertReasons),
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[common.Hash]*Handle),
		sent:       make(map[common.Hash]map[common.Hash]*types.Transaction),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit 为订单发起（或挂接到已有的）提交，不阻塞调用方。
//   - Submitted / Filled / Cancelled / Failed：返回已就绪的句柄，不发交易
//   - 已有进行中的提交：返回同一个句柄
//   - Opened：开始新的提交
//   - Submitting 但本进程没有句柄（重启后）：接管该提交
func (s *Submitter) Submit(ctx context.Context, id common.Hash) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if h, ok := s.inflight[id]; ok {
		return h, nil
	}

	o, ok := s.store.Get(id)
	if !ok {
		return nil, orderstore.ErrNotFound
	}
	switch o.State {
	case domain.StateOpened, domain.StateSubmitting:
	case domain.StatePending:
		return nil, &orderstore.StateError{OrderID: id, From: o.State, Kind: orderstore.KindStartSubmit, Err: orderstore.ErrInvalidTransition}
	default:
		return resolvedHandle(id, o), nil
	}

	sub, begun, err := s.store.BeginSubmission(id, s.dest.ChainID().Uint64())
	if err != nil {
		// 状态在 Get 之后被并发改变（如 Cancel）
		if cur, ok := s.store.Get(id); ok && cur.State.IsTerminal() {
			return resolvedHandle(id, cur), nil
		}
		return nil, err
	}

	h := &Handle{OrderID: id, SubmissionID: sub.ID, done: make(chan struct{})}
	s.inflight[id] = h
	s.wg.Add(1)
	go s.run(h, *sub, begun)
	return h, nil
}

// AwaitConfirmation 等待提交结束
func (s *Submitter) AwaitConfirmation(ctx context.Context, h *Handle) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Resume 接管存储中所有 Submitting 状态的订单（启动时调用），返回接管数量
func (s *Submitter) Resume(ctx context.Context) (int, error) {
	n := 0
	for _, o := range s.store.List(orderstore.Filter{State: domain.StateSubmitting}) {
		if _, err := s.Submit(ctx, o.ID); err != nil {
			return n, errors.Wrapf(err, "resume %s", o.ID.Hex())
		}
		n++
	}
	if n > 0 {
		logger.Infof("[relay] resumed %d in-flight submissions", n)
	}
	return n, nil
}

// InFlight 当前进行中的提交数
func (s *Submitter) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Close 停止接收新提交并等待进行中的提交退出；未完成的保持 Submitting
func (s *Submitter) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Submitter) finish(h *Handle, out Outcome) {
	h.outcome = out
	s.mu.Lock()
	delete(s.inflight, h.OrderID)
	delete(s.sent, h.OrderID)
	s.mu.Unlock()
	close(h.done)
}

func (s *Submitter) log(id common.Hash) *logrus.Entry {
	return logger.WithFields(logrus.Fields{"component": "relay", "order_id": id.Hex()})
}

// run 单个订单的提交循环
func (s *Submitter) run(h *Handle, sub domain.Submission, fresh bool) {
	defer s.wg.Done()
	ctx := s.ctx
	id := h.OrderID
	started := s.clock.Now()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finish(h, Outcome{State: domain.StateSubmitting, Err: err})
		return
	}
	defer s.sem.Release(1)

	if !fresh {
		s.log(id).WithField("attempts", sub.Attempts).Info("resuming submission")
	}

	var lastErr error
	for {
		if cur, ok := s.store.Get(id); !ok || cur.State != domain.StateSubmitting {
			// 提交期间订单已被 Cancel 等事件终结
			s.finish(h, s.outcomeOf(id, lastErr))
			return
		}

		// 已广播过的交易可能已经上链：先查回执再决定是否重发
		if sub.Broadcast() {
			if out, done := s.checkPrevious(ctx, id, &sub); done {
				if out.State == domain.StateSubmitted {
					metrics.ConfirmLatency.Observe(s.clock.Now().Sub(started).Seconds())
				}
				s.finish(h, out)
				return
			}
		}

		if s.cfg.Policy.Exhausted(sub.Attempts) {
			s.fail(h, fmt.Sprintf("retries exhausted after %d attempts: %v", sub.Attempts, lastErr))
			return
		}

		sub.Attempts++
		txHash, err := s.attempt(ctx, id, &sub)
		if err == nil {
			metrics.SubmissionAttempts.WithLabelValues("confirmed").Inc()
			metrics.ConfirmLatency.Observe(s.clock.Now().Sub(started).Seconds())
			s.finish(h, s.confirm(id, txHash))
			return
		}
		if ctx.Err() != nil {
			s.log(id).Warn("shutdown during submission; order stays submitting")
			s.finish(h, Outcome{State: domain.StateSubmitting, TxHash: sub.TxHash, Err: ctx.Err()})
			return
		}

		lastErr = err
		s.store.RecordError(id, err.Error())
		if errors.Is(err, ErrFatal) {
			metrics.SubmissionAttempts.WithLabelValues("fatal").Inc()
			s.fail(h, err.Error())
			return
		}

		if class := ClassOf(err); class == ClassUnrecognized {
			metrics.SubmissionAttempts.WithLabelValues(class.String()).Inc()
			s.log(id).Warnf("unrecognized submission error, retrying: %v", err)
		} else {
			metrics.SubmissionAttempts.WithLabelValues("transient").Inc()
		}
		if s.cfg.Policy.Exhausted(sub.Attempts) {
			// 最后一次广播的交易可能仍会上链，先再查一次回执
			if sub.Broadcast() {
				if out, done := s.checkPrevious(ctx, id, &sub); done {
					s.finish(h, out)
					return
				}
			}
			s.fail(h, fmt.Sprintf("retries exhausted after %d attempts: %v", sub.Attempts, err))
			return
		}

		delay := s.cfg.Policy.Delay(sub.Attempts)
		s.log(id).WithFields(logrus.Fields{"attempt": sub.Attempts, "retry_in": delay}).
			Warnf("transient submission failure: %v", err)
		if err := sleep(ctx, s.clock, delay); err != nil {
			s.finish(h, Outcome{State: domain.StateSubmitting, TxHash: sub.TxHash, Err: err})
			return
		}
	}
}

// attempt 发送一次交易并等待回执。成功返回交易哈希；失败返回 SubmissionError。
func (s *Submitter) attempt(ctx context.Context, id common.Hash, sub *domain.Submission) (common.Hash, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return common.Hash{}, transient(err)
		}
	}

	replacing := sub.HasNonce && sub.Broadcast()
	freshNonce := false
	if !sub.HasNonce {
		n, err := s.nonces.Acquire(ctx)
		if err != nil {
			return common.Hash{}, transient(err)
		}
		sub.Nonce, sub.HasNonce, freshNonce = n, true, true
	}
	// 未广播就失败时归还 nonce，避免 nonce 空洞
	releaseNonce := func() {
		if freshNonce {
			s.nonces.Release(sub.Nonce)
			sub.HasNonce = false
		}
	}

	gasPrice, err := s.dest.SuggestGasPrice(ctx)
	if err != nil {
		releaseNonce()
		return common.Hash{}, transient(err)
	}
	if replacing && sub.GasPrice != nil {
		gasPrice = bumpGasPrice(sub.GasPrice, gasPrice, s.cfg.GasBumpPercent)
	}

	data, err := chain.ConfirmCall(id)
	if err != nil {
		releaseNonce()
		return common.Hash{}, fatal(err)
	}
	to := s.cfg.Contract
	gas, err := s.dest.EstimateGas(ctx, ethereum.CallMsg{From: s.signer.Address(), To: &to, Data: data, Value: big.NewInt(0)})
	if err != nil {
		releaseNonce()
		return common.Hash{}, s.classified(errors.Wrap(err, "estimate gas"))
	}

	signed, err := s.signer.Sign(types.NewTransaction(sub.Nonce, to, big.NewInt(0), gas, gasPrice, data))
	if err != nil {
		releaseNonce()
		return common.Hash{}, fatal(err)
	}

	if err := s.dest.SendTransaction(ctx, signed); err != nil {
		class := s.classifier.Classify(err)
		if class != ClassKnown {
			if IsNonceTooLow(err) {
				// nonce 已被占用：先确认是不是我们替换前的某笔交易已上链，再放弃该 nonce
				if r, tx := s.findReceipt(ctx, id, sub.Hashes()); r != nil {
					return s.judgeReceipt(ctx, id, sub, tx, r)
				}
				s.nonces.Resync()
				sub.HasNonce = false
				s.saveSubmission(id, sub)
			} else if replacing {
				// 下一次替换在本次价格基础上继续加价
				sub.GasPrice = gasPrice
			} else {
				releaseNonce()
			}
			return common.Hash{}, &SubmissionError{Class: class, Err: errors.Wrap(err, "send transaction")}
		}
	}

	sub.RecordBroadcast(signed.Hash())
	s.remember(id, signed)
	sub.GasPrice = gasPrice
	sub.SubmittedAt = s.clock.Now()
	s.saveSubmission(id, sub)
	s.log(id).WithFields(logrus.Fields{"tx": sub.TxHash.Hex(), "nonce": sub.Nonce, "attempt": sub.Attempts}).Info("confirm transaction sent")

	return s.awaitReceipt(ctx, id, sub)
}

func (s *Submitter) classified(err error) error {
	return &SubmissionError{Class: s.classifier.Classify(err), Err: err}
}

// awaitReceipt 在 ConfirmTimeout 内轮询本次提交所有已广播交易的回执
func (s *Submitter) awaitReceipt(ctx context.Context, id common.Hash, sub *domain.Submission) (common.Hash, error) {
	deadline := s.clock.Now().Add(s.cfg.ConfirmTimeout)
	for {
		if r, tx := s.findReceipt(ctx, id, sub.Hashes()); r != nil {
			return s.judgeReceipt(ctx, id, sub, tx, r)
		}
		if !s.clock.Now().Before(deadline) {
			return common.Hash{}, transient(errors.Errorf("no receipt for %s within %s", sub.TxHash.Hex(), s.cfg.ConfirmTimeout))
		}
		if err := sleep(ctx, s.clock, s.cfg.PollInterval); err != nil {
			return common.Hash{}, transient(err)
		}
	}
}

// findReceipt 返回第一笔已上链交易的回执；tx 只在本进程发送过时非 nil
func (s *Submitter) findReceipt(ctx context.Context, id common.Hash, hashes []common.Hash) (*types.Receipt, *types.Transaction) {
	for _, h := range hashes {
		r, err := s.dest.GetReceipt(ctx, h)
		if err != nil {
			logger.Debugf("[relay] receipt query for %s failed: %v", h.Hex(), err)
			continue
		}
		if r != nil {
			if r.TxHash == (common.Hash{}) {
				r.TxHash = h
			}
			return r, s.sentTx(id, h)
		}
	}
	return nil, nil
}

func (s *Submitter) remember(id common.Hash, tx *types.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent[id] == nil {
		s.sent[id] = make(map[common.Hash]*types.Transaction)
	}
	s.sent[id][tx.Hash()] = tx
}

func (s *Submitter) sentTx(id, h common.Hash) *types.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[id][h]
}

// judgeReceipt status=1 成功；revert 默认不可重试
func (s *Submitter) judgeReceipt(ctx context.Context, id common.Hash, sub *domain.Submission, tx *types.Transaction, r *types.Receipt) (common.Hash, error) {
	if r.Status == types.ReceiptStatusSuccessful {
		return r.TxHash, nil
	}

	reason := "execution reverted"
	if rr, ok := s.dest.(chain.RevertReasoner); ok && tx != nil {
		if msg := rr.RevertReason(ctx, s.signer.Address(), tx, r.BlockNumber); msg != "" {
			reason = msg
		}
	}
	// 失败交易已消耗该 nonce，下一次尝试必须使用新 nonce
	sub.HasNonce = false
	sub.TxHash = common.Hash{}
	sub.TxHashes = nil
	sub.GasPrice = nil
	s.saveSubmission(id, sub)

	err := errors.Errorf("transaction %s reverted: %s", r.TxHash.Hex(), reason)
	if s.classifier.ClassifyRevert(reason) == ClassTransient {
		return common.Hash{}, transient(err)
	}
	return common.Hash{}, fatal(err)
}

// checkPrevious 查询此前广播过的全部交易的回执。done=true 表示提交已有结论。
func (s *Submitter) checkPrevious(ctx context.Context, id common.Hash, sub *domain.Submission) (Outcome, bool) {
	r, tx := s.findReceipt(ctx, id, sub.Hashes())
	if r == nil {
		return Outcome{}, false
	}
	txHash, err := s.judgeReceipt(ctx, id, sub, tx, r)
	if err == nil {
		return s.confirm(id, txHash), true
	}
	s.store.RecordError(id, err.Error())
	if errors.Is(err, ErrFatal) {
		return s.failOutcome(id, err.Error()), true
	}
	return Outcome{}, false
}

func (s *Submitter) saveSubmission(id common.Hash, sub *domain.Submission) {
	snapshot := *sub
	snapshot.TxHashes = append([]common.Hash(nil), sub.TxHashes...)
	err := s.store.UpdateSubmission(id, func(stored *domain.Submission) {
		snapshot.ID = stored.ID
		snapshot.ChainID = stored.ChainID
		*stored = snapshot
	})
	if err != nil {
		s.log(id).Debugf("submission record not updated: %v", err)
	}
}

func (s *Submitter) confirm(id common.Hash, txHash common.Hash) Outcome {
	state, err := s.store.Apply(id, orderstore.Confirmed(txHash))
	if err != nil {
		// 等待回执期间订单已终结（如 Cancel）
		s.log(id).Warnf("confirmation not recorded: %v", err)
		return s.outcomeOf(id, nil)
	}
	s.log(id).WithField("tx", txHash.Hex()).Info("order relayed")
	return Outcome{State: state, TxHash: txHash}
}

func (s *Submitter) fail(h *Handle, reason string) {
	s.finish(h, s.failOutcome(h.OrderID, reason))
}

func (s *Submitter) failOutcome(id common.Hash, reason string) Outcome {
	if _, err := s.store.Apply(id, orderstore.SubmitFailed(reason)); err != nil {
		s.log(id).Warnf("failure not recorded: %v", err)
		return s.outcomeOf(id, errors.New(reason))
	}
	s.log(id).WithField("reason", reason).Error("order submission failed")
	return s.outcomeOf(id, errors.New(reason))
}

func (s *Submitter) outcomeOf(id common.Hash, err error) Outcome {
	out := Outcome{Err: err}
	if o, ok := s.store.Get(id); ok {
		out.State = o.State
		if o.Submission != nil {
			out.TxHash = o.Submission.TxHash
		}
	}
	return out
}

// bumpGasPrice 替换交易的 gas price 至少比上一笔高 bumpPercent%，且不低于当前建议价
func bumpGasPrice(prev, suggested *big.Int, bumpPercent int) *big.Int {
	if bumpPercent <= 0 {
		bumpPercent = 10
	}
	bumped := new(big.Int).Mul(prev, big.NewInt(int64(100+bumpPercent)))
	bumped.Div(bumped, big.NewInt(100))
	if bumped.Cmp(prev) <= 0 {
		bumped.Add(prev, big.NewInt(1))
	}
	if suggested != nil && suggested.Cmp(bumped) > 0 {
		return new(big.Int).Set(suggested)
	}
	return bumped
}
