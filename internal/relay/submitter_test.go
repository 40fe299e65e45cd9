package relay

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/betbot/relayer/internal/domain"
	"github.com/betbot/relayer/internal/orderstore"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSubmitter(t *testing.T, store *orderstore.Store, dest *fakeDest, cfg Config) (*Submitter, *FakeClock) {
	t.Helper()
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	s := New(store, dest, testSigner(t), cfg, WithClock(clock))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, clock
}

func TestSubmit_HappyPath(t *testing.T) {
	store := openedStore(t, orderAA)
	dest := newFakeDest()
	dest.mine = minedOK
	s, _ := newTestSubmitter(t, store, dest, testConfig())

	h, err := s.Submit(context.Background(), orderAA)
	require.NoError(t, err)
	out := await(t, s, h)

	assert.Equal(t, domain.StateSubmitted, out.State)
	assert.NoError(t, out.Err)
	require.Len(t, dest.Sent(), 1)
	assert.Equal(t, dest.Sent()[0].Hash(), out.TxHash)
	assert.Equal(t, testConfig().Contract, *dest.Sent()[0].To())

	o, _ := store.Get(orderAA)
	assert.Equal(t, domain.StateSubmitted, o.State)
	assert.Equal(t, out.TxHash, o.Submission.TxHash)
	assert.Equal(t, uint64(10), o.Submission.ChainID)

	// 已提交的订单再次 Submit 不会发新交易
	h2, err := s.Submit(context.Background(), orderAA)
	require.NoError(t, err)
	out2 := await(t, s, h2)
	assert.Equal(t, domain.StateSubmitted, out2.State)
	assert.Equal(t, out.TxHash, out2.TxHash)
	assert.Equal(t, 1, dest.Calls())
}

func TestSubmit_ConcurrentDuplicatesShareOneSubmission(t *testing.T) {
	store := openedStore(t, orderAA)
	dest := newFakeDest()
	dest.mine = minedOK
	release := make(chan struct{})
	dest.send = func(ctx context.Context, _ int, _ *types.Transaction) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s, _ := newTestSubmitter(t, store, dest, testConfig())

	const n = 20
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.Submit(context.Background(), orderAA)
			if err != nil {
				t.Error(err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, s.InFlight())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}

	close(release)
	out := await(t, s, handles[0])
	assert.Equal(t, domain.StateSubmitted, out.State)
	assert.Equal(t, 1, dest.Calls())
}

func TestSubmit_RetryExhaustion(t *testing.T) {
	store := openedStore(t, orderAA)
	dest := newFakeDest()
	dest.send = func(context.Context, int, *types.Transaction) error {
		return errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")
	}
	s, clock := newTestSubmitter(t, store, dest, testConfig())

	h, err := s.Submit(context.Background(), orderAA)
	require.NoError(t, err)
	out := await(t, s, h)

	assert.Equal(t, domain.StateFailed, out.State)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "retries exhausted after 3 attempts")
	assert.Equal(t, 3, dest.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())

	o, _ := store.Get(orderAA)
	assert.Equal(t, domain.FailureSubmission, o.Failure)
	assert.Contains(t, o.LastError, "retries exhausted")

	// 不再有新的尝试
	h, err = s.Submit(context.Background(), orderAA)
	require.NoError(t, err)
	await(t, s, h)
	assert.Equal(t, 3, dest.Calls())
}

func TestSubmit_RevertedReceiptIsFatal(t *testing.T) {
	store := openedStore(t, orderAA)
	dest := newFakeDest()
	dest.revertReason = "execution reverted: order expired"
	dest.mine = func(int, *types.Transaction) *types.Receipt {
		return &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(1)}
	}
	s, _ := newTestSubmitter(t, store, dest, testConfig())

	h, err := s.Submit(context.Background(), orderAA)
	require.NoError(t, err)
	out := await(t, s, h)

	assert.Equal(t, domain.StateFailed, out.State)
	assert.Contains(t, out.Err.Error(), "order expired")
	assert.Equal(t, 1, dest.Calls())
}

func TestSubmit_TransientRevertRetriesWithNewNonce(t *testing.T) {
	store := openedStore(t, orderAA)
	dest := newFakeDest()
	dest.revertReason = "execution reverted: oracle not ready, try again"
	dest.mine = func(call int, tx *types.Transaction) *types.Receipt {
		if call == 1 {
			return &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(1)}
		}
		return minedOK(call, tx)
	}
	cfg := testConfig()
	cfg.TransientRevertReasons = []string{"Try Again"}
	s, _ := newTestSubmitter(t, store, dest, cfg)

	h, err := s.Submit(context.Background(), orderAA)
	require.NoError(t, err)
	out := await(t, s, h)

	assert.Equal(t, domain.StateSubmitted, out.State)
	sent := dest.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, uint64(0), sent[0].Nonce())
	assert.Equal(t, uint64(1), sent[1].Nonce())
}

func TestSubmit_ConfirmTimeoutReplacesWithBumpedGas(t *testing.T) {
	store := openedStore(t, orderAA)
	dest := newFakeDest()
	dest.mine = func(call int, tx *types.Transaction) *types.Receipt {
		if call == 1 {
			return nil
		}
		return minedOK(call, tx)
	}
	s, _ := newTestSubmitter(t, store, dest, testConfig())

	h, err := s.Submit(context.Background(), orderAA)
	require.NoError(t, err)
	out := await(t, s, h)

	assert.Equal(t, domain.StateSubmitted, out.State)
	sent := dest.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].Nonce(), sent[1].Nonce(), "replacement reuses the nonce")
	assert.Equal(t, int64(100), sent[0].GasPrice().Int64())
	assert.Equal(t, int64(115), sent[1].GasPrice().Int64())
	assert.Equal(t, sent[1].Hash(), out.TxHash)
}

func TestSubmit_EstimateRevertIsFatal(t *testing.T) {
	store := openedStore(t, orderAA)
	dest := newFakeDest()
	dest.estimateErr = errors.New("execution reverted: already confirmed")
	s, _ := newTestSubmitter(t, store, dest, testConfig())

	h, err := s.Submit(context.Background(), orderAA)
	require.NoError(t, err)
	out := await(t, s, h)

	assert.Equal(t, domain.StateFailed, out.State)
	assert.Equal(t, 0, dest.Calls())
}

func TestSubmit_RejectsPendingAndUnknown(t *testing.T) {
	store := openedStore(t, orderAA)
	_, err := store.Apply(orderAA, orderstore.Revert("reorg"))
	require.NoError(t, err)
	s, _ := newTestSubmitter(t, store, newFakeDest(), testConfig())

	_, err = s.Submit(context.Background(), orderAA)
	assert.ErrorIs(t, err, orderstore.ErrInvalidTransition)

	_, err = s.Submit(context.Background(), common.HexToHash("0x01"))
	assert.ErrorIs(t, err, orderstore.ErrNotFound)
}

func TestResume_AttachesToBroadcastTransaction(t *testing.T) {
	store := openedStore(t, orderAA)
	_, _, err := store.BeginSubmission(orderAA, 10)
	require.NoError(t, err)
	prev := common.HexToHash("0xfeed")
	require.NoError(t, store.UpdateSubmission(orderAA, func(sub *domain.Submission) {
		sub.TxHash, sub.Nonce, sub.HasNonce, sub.Attempts = prev, 4, true, 1
	}))

	dest := newFakeDest()
	dest.receipts[prev] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: prev, BlockNumber: big.NewInt(9)}
	s, _ := newTestSubmitter(t, store, dest, testConfig())

	n, err := s.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h, err := s.Submit(context.Background(), orderAA)
	require.NoError(t, err)
	out := await(t, s, h)
	assert.Equal(t, domain.StateSubmitted, out.State)
	assert.Equal(t, prev, out.TxHash)
	assert.Equal(t, 0, dest.Calls(), "no new transaction when the previous one was mined")
}

func TestClose_LeavesOrderSubmitting(t *testing.T) {
	store := openedStore(t, orderAA)
	dest := newFakeDest()
	dest.send = func(ctx context.Context, _ int, _ *types.Transaction) error {
		<-ctx.Done()
		return ctx.Err()
	}
	s, _ := newTestSubmitter(t, store, dest, testConfig())

	h, err := s.Submit(context.Background(), orderAA)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dest.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	out := await(t, s, h)
	assert.Equal(t, domain.StateSubmitting, out.State)
	o, _ := store.Get(orderAA)
	assert.Equal(t, domain.StateSubmitting, o.State)

	_, err = s.Submit(context.Background(), orderAA)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBumpGasPrice(t *testing.T) {
	assert.Equal(t, int64(115), bumpGasPrice(big.NewInt(100), big.NewInt(90), 15).Int64())
	assert.Equal(t, int64(200), bumpGasPrice(big.NewInt(100), big.NewInt(200), 15).Int64())
	assert.Equal(t, int64(2), bumpGasPrice(big.NewInt(1), nil, 15).Int64())
}

func TestSubmit_ReplacedTransactionMinedLate(t *testing.T) {
	store := openedStore(t, orderAA)
	dest := newFakeDest()
	var first common.Hash
	dest.send = func(_ context.Context, call int, tx *types.Transaction) error {
		switch call {
		case 1:
			first = tx.Hash()
		case 2:
			// 替换交易广播时，原交易恰好被打包
			dest.mu.Lock()
			dest.receipts[first] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: first, BlockNumber: big.NewInt(3)}
			dest.pendingNonce = 1
			dest.mu.Unlock()
		default:
			if tx.Nonce() == 0 {
				return errors.New("nonce too low")
			}
		}
		return nil
	}
	s, _ := newTestSubmitter(t, store, dest, testConfig())

	h, err := s.Submit(context.Background(), orderAA)
	require.NoError(t, err)
	out := await(t, s, h)

	assert.Equal(t, domain.StateSubmitted, out.State)
	assert.NoError(t, out.Err)
	assert.Equal(t, first, out.TxHash)
	assert.Equal(t, 2, dest.Calls(), "no second confirm under a fresh nonce")
	for _, tx := range dest.Sent() {
		assert.Equal(t, uint64(0), tx.Nonce())
	}

	o, _ := store.Get(orderAA)
	assert.Equal(t, first, o.Submission.TxHash)
	assert.Len(t, o.Submission.TxHashes, 2)
}

func TestSubmit_NonceTooLowChecksEarlierBroadcasts(t *testing.T) {
	store := openedStore(t, orderAA)
	dest := newFakeDest()
	var first common.Hash
	dest.send = func(_ context.Context, call int, tx *types.Transaction) error {
		if call == 1 {
			first = tx.Hash()
			return nil
		}
		// 原交易已上链，替换被节点拒绝
		dest.mu.Lock()
		dest.receipts[first] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: first, BlockNumber: big.NewInt(3)}
		dest.pendingNonce = 1
		dest.mu.Unlock()
		return errors.New("nonce too low: next nonce 1, tx nonce 0")
	}
	s, _ := newTestSubmitter(t, store, dest, testConfig())

	h, err := s.Submit(context.Background(), orderAA)
	require.NoError(t, err)
	out := await(t, s, h)

	assert.Equal(t, domain.StateSubmitted, out.State)
	assert.Equal(t, first, out.TxHash)
	assert.Equal(t, 2, dest.Calls())
	require.Len(t, dest.Sent(), 1)
}

func TestSubmit_ConcurrentNoncesStayUnique(t *testing.T) {
	store := openedStore(t, orderAA, orderBB, orderCC)
	dest := newFakeDest()
	dest.mine = minedOK

	aHolding := make(chan struct{})
	bDone := make(chan struct{})
	var once sync.Once
	dest.estimate = func(msg ethereum.CallMsg) error {
		if confirmTarget(msg.Data) != orderAA {
			return nil
		}
		failed := false
		once.Do(func() {
			failed = true
			close(aHolding)
			<-bDone
		})
		if failed {
			// A 领取 nonce 后、广播前失败
			return errors.New("dial tcp 127.0.0.1:8545: connection refused")
		}
		return nil
	}
	cfg := testConfig()
	cfg.Workers = 3
	s, _ := newTestSubmitter(t, store, dest, cfg)

	ha, err := s.Submit(context.Background(), orderAA)
	require.NoError(t, err)
	<-aHolding
	hb, err := s.Submit(context.Background(), orderBB)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSubmitted, await(t, s, hb).State)
	close(bDone)
	assert.Equal(t, domain.StateSubmitted, await(t, s, ha).State)

	hc, err := s.Submit(context.Background(), orderCC)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSubmitted, await(t, s, hc).State)

	byOrder := make(map[common.Hash]uint64)
	seen := make(map[uint64]common.Hash)
	for _, tx := range dest.Sent() {
		id := confirmTarget(tx.Data())
		prev, dup := seen[tx.Nonce()]
		require.False(t, dup, "nonce %d used by %s and %s", tx.Nonce(), prev.Hex(), id.Hex())
		seen[tx.Nonce()] = id
		byOrder[id] = tx.Nonce()
	}
	assert.Equal(t, map[common.Hash]uint64{orderAA: 0, orderBB: 1, orderCC: 2}, byOrder)
}
