package chain

import (
	"context"
	"math/big"

	"github.com/betbot/relayer/pkg/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

// EthOrigin 基于 ethclient 的源链连接。订阅需要 ws/ipc 端点。
type EthOrigin struct {
	client *ethclient.Client
}

// DialOrigin 连接源链并校验 chain id（expectChainID 为 0 时不校验）
func DialOrigin(ctx context.Context, rpcURL string, expectChainID uint64) (*EthOrigin, error) {
	client, err := dial(ctx, rpcURL, expectChainID)
	if err != nil {
		return nil, errors.Wrap(err, "origin")
	}
	return &EthOrigin{client: client}, nil
}

func (o *EthOrigin) Subscribe(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	sub, err := o.client.SubscribeFilterLogs(ctx, q, ch)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe logs")
	}
	return sub, nil
}

func (o *EthOrigin) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := o.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, errors.Wrapf(err, "filter logs %v-%v", q.FromBlock, q.ToBlock)
	}
	return logs, nil
}

func (o *EthOrigin) HeadBlock(ctx context.Context) (uint64, error) {
	n, err := o.client.BlockNumber(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "block number")
	}
	return n, nil
}

func (o *EthOrigin) BlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	h, err := o.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "header %d", number)
	}
	return h.Hash(), nil
}

// Close 关闭底层连接
func (o *EthOrigin) Close() { o.client.Close() }

// EthDestination 基于 ethclient 的目标链连接
type EthDestination struct {
	client  *ethclient.Client
	chainID *big.Int
}

// DialDestination 连接目标链并读取 chain id
func DialDestination(ctx context.Context, rpcURL string, expectChainID uint64) (*EthDestination, error) {
	client, err := dial(ctx, rpcURL, expectChainID)
	if err != nil {
		return nil, errors.Wrap(err, "destination")
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "destination chain id")
	}
	return &EthDestination{client: client, chainID: id}, nil
}

func (d *EthDestination) ChainID() *big.Int { return new(big.Int).Set(d.chainID) }

func (d *EthDestination) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	n, err := d.client.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, errors.Wrap(err, "pending nonce")
	}
	return n, nil
}

func (d *EthDestination) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	p, err := d.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "suggest gas price")
	}
	return p, nil
}

func (d *EthDestination) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	// 不包装：revert 信息需要原样交给分类器
	return d.client.EstimateGas(ctx, msg)
}

func (d *EthDestination) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return d.client.SendTransaction(ctx, tx)
}

func (d *EthDestination) GetReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, err := d.client.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "receipt %s", txHash.Hex())
	}
	return r, nil
}

// RevertReason 在失败交易所在区块重放 eth_call，返回节点给出的 revert 信息
func (d *EthDestination) RevertReason(ctx context.Context, from common.Address, tx *types.Transaction, block *big.Int) string {
	_, err := d.client.CallContract(ctx, ethereum.CallMsg{
		From:     from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}, block)
	if err == nil {
		return ""
	}
	return err.Error()
}

// Close 关闭底层连接
func (d *EthDestination) Close() { d.client.Close() }

func dial(ctx context.Context, rpcURL string, expectChainID uint64) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", rpcURL)
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "query chain id from %s", rpcURL)
	}
	if expectChainID != 0 && id.Uint64() != expectChainID {
		client.Close()
		return nil, errors.Errorf("chain id mismatch: configured %d, node reports %s", expectChainID, id)
	}
	logger.Infof("[chain] 已连接 %s (chain id %s)", rpcURL, id)
	return client, nil
}
