package coordinator

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/betbot/relayer/internal/chain"
	"github.com/betbot/relayer/internal/domain"
	"github.com/betbot/relayer/internal/events"
	"github.com/betbot/relayer/internal/orderstore"
	"github.com/betbot/relayer/internal/relay"
	"github.com/betbot/relayer/internal/validation"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

var (
	contract = common.HexToAddress("0x4444444444444444444444444444444444444444")
	orderAA  = common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	orderBB  = common.HexToHash("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	orderCC  = common.HexToHash("0xcccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc")
	orderDD  = common.HexToHash("0xdddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd")
)

func blockHash(n uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(1_000_000 + n))
}

func terms(dest int64, expiry uint64) domain.Terms {
	return domain.Terms{
		Beneficiary:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Amount:           big.NewInt(1_000),
		DestinationChain: big.NewInt(dest),
		ExpiryBlock:      expiry,
		Nonce:            big.NewInt(1),
	}
}

func openLog(t *testing.T, id common.Hash, block uint64, index uint, tm domain.Terms) types.Log {
	t.Helper()
	payload, err := domain.EncodeTerms(tm)
	require.NoError(t, err)
	data, err := events.EncodeOpenData(id, payload)
	require.NoError(t, err)
	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{events.OpenTopic},
		Data:        data,
		BlockNumber: block,
		BlockHash:   blockHash(block),
		Index:       index,
	}
}

func fillLog(id common.Hash, block uint64, index uint) types.Log {
	return types.Log{Address: contract, Topics: []common.Hash{events.FillTopic, id}, BlockNumber: block, BlockHash: blockHash(block), Index: index}
}

func cancelLog(id common.Hash, block uint64, index uint) types.Log {
	return types.Log{Address: contract, Topics: []common.Hash{events.CancelTopic, id}, BlockNumber: block, BlockHash: blockHash(block), Index: index}
}

func unknownLog(block uint64, index uint) types.Log {
	return types.Log{Address: contract, Topics: []common.Hash{common.HexToHash("0x1234")}, BlockNumber: block, BlockHash: blockHash(block), Index: index}
}

type fakeSub struct {
	errCh chan error
	once  sync.Once
	done  chan struct{}
}

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.done) }) }
func (s *fakeSub) Err() <-chan error { return s.errCh }

// fakeOrigin 内存中的源链
type fakeOrigin struct {
	mu         sync.Mutex
	head       uint64
	history    []types.Log
	hashes     map[uint64]common.Hash
	subErr     error
	subscribes int
	onSubscribe func(n int)
	live       chan<- types.Log
	sub        *fakeSub
	subscribed chan struct{}
	queries    [][2]uint64
}

func newFakeOrigin(head uint64) *fakeOrigin {
	return &fakeOrigin{head: head, hashes: make(map[uint64]common.Hash), subscribed: make(chan struct{}, 16)}
}

func (o *fakeOrigin) Subscribe(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	o.mu.Lock()
	o.subscribes++
	n, hook, err := o.subscribes, o.onSubscribe, o.subErr
	o.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if err != nil {
		return nil, err
	}
	sub := &fakeSub{errCh: make(chan error, 1), done: make(chan struct{})}
	o.mu.Lock()
	o.live, o.sub = ch, sub
	o.mu.Unlock()
	o.subscribed <- struct{}{}
	return sub, nil
}

func (o *fakeOrigin) GetLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	o.queries = append(o.queries, [2]uint64{from, to})
	var out []types.Log
	for _, l := range o.history {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (o *fakeOrigin) HeadBlock(context.Context) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.head, nil
}

func (o *fakeOrigin) BlockHash(_ context.Context, n uint64) (common.Hash, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.hashes[n]; ok {
		return h, nil
	}
	return blockHash(n), nil
}

func (o *fakeOrigin) push(l types.Log) {
	o.mu.Lock()
	ch := o.live
	o.mu.Unlock()
	ch <- l
}

func (o *fakeOrigin) disconnect(err error) {
	o.mu.Lock()
	sub := o.sub
	o.mu.Unlock()
	sub.errCh <- err
}

var _ chain.OriginConnector = (*fakeOrigin)(nil)

// syncSubmitter 同步模拟提交：立即开始并确认
type syncSubmitter struct {
	store   *orderstore.Store
	confirm bool
	mu      sync.Mutex
	calls   map[common.Hash]int
}

func newSyncSubmitter(store *orderstore.Store, confirm bool) *syncSubmitter {
	return &syncSubmitter{store: store, confirm: confirm, calls: make(map[common.Hash]int)}
}

func (s *syncSubmitter) Submit(_ context.Context, id common.Hash) (*relay.Handle, error) {
	s.mu.Lock()
	s.calls[id]++
	s.mu.Unlock()
	if !s.confirm {
		return nil, nil
	}
	_, begun, err := s.store.BeginSubmission(id, 10)
	if err != nil {
		return nil, err
	}
	if begun {
		if _, err := s.store.Apply(id, orderstore.Confirmed(common.BytesToHash(id[:8]))); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (s *syncSubmitter) Resume(context.Context) (int, error) { return 0, nil }

func (s *syncSubmitter) Calls(id common.Hash) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func testGate(t *testing.T) *validation.Gate {
	t.Helper()
	g, err := validation.NewDefaultGate(validation.Policy{AllowedDestinations: []uint64{10}})
	require.NoError(t, err)
	return g
}

// minedDest 每笔交易立即成功上链的目标链
type minedDest struct {
	mu       sync.Mutex
	receipts map[common.Hash]*types.Receipt
	sends    int
}

func newMinedDest() *minedDest { return &minedDest{receipts: make(map[common.Hash]*types.Receipt)} }

func (d *minedDest) ChainID() *big.Int { return big.NewInt(10) }
func (d *minedDest) PendingNonce(context.Context, common.Address) (uint64, error) {
	return 0, nil
}
func (d *minedDest) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (d *minedDest) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (d *minedDest) SendTransaction(_ context.Context, tx *types.Transaction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sends++
	d.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash(), BlockNumber: big.NewInt(1)}
	return nil
}

func (d *minedDest) GetReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.receipts[h], nil
}

func (d *minedDest) Sends() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sends
}
