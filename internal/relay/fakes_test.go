package relay

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/betbot/relayer/internal/chain"
	"github.com/betbot/relayer/internal/domain"
	"github.com/betbot/relayer/internal/orderstore"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// fakeDest 内存中的目标链
type fakeDest struct {
	mu           sync.Mutex
	chainID      *big.Int
	pendingNonce uint64
	gasPrice     *big.Int
	estimateErr  error
	revertReason string
	sent         []*types.Transaction
	receipts     map[common.Hash]*types.Receipt
	// estimate 在每次 EstimateGas 时调用，可阻塞或返回错误
	estimate func(msg ethereum.CallMsg) error

	calls int32
	// send 在每次 SendTransaction 时调用（call 从 1 开始），可阻塞或返回错误
	send func(ctx context.Context, call int, tx *types.Transaction) error
	// mine 决定第 call 次发送的交易回执；nil 表示未上链
	mine func(call int, tx *types.Transaction) *types.Receipt
}

func newFakeDest() *fakeDest {
	return &fakeDest{
		chainID:  big.NewInt(10),
		gasPrice: big.NewInt(100),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func minedOK(int, *types.Transaction) *types.Receipt {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}
}

func (f *fakeDest) ChainID() *big.Int { return f.chainID }

func (f *fakeDest) PendingNonce(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingNonce, nil
}

func (f *fakeDest) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeDest) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	if f.estimate != nil {
		if err := f.estimate(msg); err != nil {
			return 0, err
		}
	}
	return 50_000, nil
}

func (f *fakeDest) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	call := int(atomic.AddInt32(&f.calls, 1))
	if f.send != nil {
		if err := f.send(ctx, call, tx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if f.mine != nil {
		if r := f.mine(call, tx); r != nil {
			r.TxHash = tx.Hash()
			f.receipts[tx.Hash()] = r
		}
	}
	return nil
}

func (f *fakeDest) GetReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[h], nil
}

func (f *fakeDest) RevertReason(context.Context, common.Address, *types.Transaction, *big.Int) string {
	return f.revertReason
}

func (f *fakeDest) Calls() int { return int(atomic.LoadInt32(&f.calls)) }

func (f *fakeDest) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

var _ chain.DestinationConnector = (*fakeDest)(nil)
var _ chain.RevertReasoner = (*fakeDest)(nil)

var (
	orderAA = common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	orderBB = common.HexToHash("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	orderCC = common.HexToHash("0xcccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc")
)

// confirmTarget confirm(bytes32) 调用数据中的订单 id
func confirmTarget(data []byte) common.Hash {
	if len(data) < 36 {
		return common.Hash{}
	}
	return common.BytesToHash(data[4:36])
}

func testSigner(t *testing.T) chain.Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return chain.NewKeySigner(key, big.NewInt(10))
}

func openedStore(t *testing.T, ids ...common.Hash) *orderstore.Store {
	t.Helper()
	s := orderstore.New(orderstore.Options{})
	for _, id := range ids {
		_, err := s.Apply(id, orderstore.Open([]byte{0x01}, domain.BlockRef{Number: 1}, common.Hash{}, 0))
		require.NoError(t, err)
	}
	return s
}

func testConfig() Config {
	return Config{
		Contract:       common.HexToAddress("0x5555555555555555555555555555555555555555"),
		Workers:        2,
		Policy:         Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute},
		ConfirmTimeout: 10 * time.Second,
		PollInterval:   5 * time.Second,
		GasBumpPercent: 15,
	}
}

func await(t *testing.T, s *Submitter, h *Handle) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := s.AwaitConfirmation(ctx, h)
	require.NoError(t, err)
	return out
}
