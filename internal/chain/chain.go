// Package chain 定义中继引擎依赖的链上协作方接口，并提供基于 go-ethereum 的实现。
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// OriginConnector 源链：订阅与历史日志查询
type OriginConnector interface {
	// Subscribe 订阅实时日志；连接断开时通过 Subscription.Err() 通知
	Subscribe(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	// GetLogs 查询 [q.FromBlock, q.ToBlock] 的历史日志（对账用）
	GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeadBlock(ctx context.Context) (uint64, error)
	// BlockHash 当前规范链上指定高度的区块哈希（重组检测用）
	BlockHash(ctx context.Context, number uint64) (common.Hash, error)
}

// DestinationConnector 目标链：交易发送与回执查询
type DestinationConnector interface {
	ChainID() *big.Int
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	// GetReceipt 尚未上链时返回 (nil, nil)
	GetReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// RevertReasoner 可选能力：重放失败交易以取得 revert 原因
type RevertReasoner interface {
	RevertReason(ctx context.Context, from common.Address, tx *types.Transaction, block *big.Int) string
}

// Signer 持有私钥；引擎只通过该接口签名，不接触密钥本身
type Signer interface {
	Address() common.Address
	Sign(tx *types.Transaction) (*types.Transaction, error)
}
