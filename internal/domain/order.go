package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OrderState 订单状态
type OrderState string

const (
	StatePending    OrderState = "pending"    // 已观察到但尚未确认为 Opened（或因重组回退）
	StateOpened     OrderState = "opened"     // 源链 Open 事件已记录
	StateSubmitting OrderState = "submitting" // 中继交易提交中
	StateSubmitted  OrderState = "submitted"  // 目标链 confirm 交易已成功上链
	StateFilled     OrderState = "filled"     // 终态：源链 Fill
	StateCancelled  OrderState = "cancelled"  // 终态：源链 Cancel
	StateFailed     OrderState = "failed"     // 终态：校验拒绝或提交失败
)

// AllStates 按状态机顺序排列
var AllStates = []OrderState{
	StatePending, StateOpened, StateSubmitting, StateSubmitted,
	StateFilled, StateCancelled, StateFailed,
}

// IsTerminal 终态订单不再发起任何提交
func (s OrderState) IsTerminal() bool {
	return s == StateFilled || s == StateCancelled || s == StateFailed
}

// BlockRef 区块高度 + 哈希，用于重组检测
type BlockRef struct {
	Number uint64      `json:"number"`
	Hash   common.Hash `json:"hash"`
}

// FailureKind 区分失败来源：只有校验失败的订单允许因重组回退
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureValidation FailureKind = "validation"
	FailureSubmission FailureKind = "submission"
)

// Submission 当前（或最后一次）中继交易记录
type Submission struct {
	ID      string      `json:"id"`
	ChainID uint64      `json:"chain_id"`
	TxHash  common.Hash `json:"tx_hash"`
	// TxHashes 本次提交广播过的全部交易（含被同 nonce 替换的），任一上链即视为完成
	TxHashes    []common.Hash `json:"tx_hashes,omitempty"`
	Nonce       uint64        `json:"nonce"`
	HasNonce    bool          `json:"has_nonce"`
	GasPrice    *big.Int      `json:"gas_price,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	Attempts    int           `json:"attempts"`
}

// Broadcast 是否已有交易广播过（需要优先查回执、复用 nonce）
func (s *Submission) Broadcast() bool {
	return s != nil && s.TxHash != (common.Hash{})
}

// Hashes 需要查回执的交易哈希，最新的在前
func (s *Submission) Hashes() []common.Hash {
	if s == nil {
		return nil
	}
	out := make([]common.Hash, 0, len(s.TxHashes)+1)
	if s.TxHash != (common.Hash{}) {
		out = append(out, s.TxHash)
	}
	for i := len(s.TxHashes) - 1; i >= 0; i-- {
		if h := s.TxHashes[i]; h != s.TxHash {
			out = append(out, h)
		}
	}
	return out
}

// RecordBroadcast 记录一笔新广播的交易
func (s *Submission) RecordBroadcast(h common.Hash) {
	s.TxHash = h
	for _, prev := range s.TxHashes {
		if prev == h {
			return
		}
	}
	s.TxHashes = append(s.TxHashes, h)
}

// HistoryEntry 状态变迁记录（审计用）
type HistoryEntry struct {
	From  OrderState `json:"from"`
	To    OrderState `json:"to"`
	At    time.Time  `json:"at"`
	Cause string     `json:"cause,omitempty"`
}

// Order 订单领域模型
type Order struct {
	ID         common.Hash    `json:"id"`
	State      OrderState     `json:"state"`
	Payload    []byte         `json:"payload"`
	Origin     BlockRef       `json:"origin"`
	OriginTx   common.Hash    `json:"origin_tx"`
	LogIndex   uint           `json:"log_index"`
	Submission *Submission    `json:"submission,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	Failure    FailureKind    `json:"failure,omitempty"`
	FailReason string         `json:"fail_reason,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	History    []HistoryEntry `json:"history,omitempty"`
}

// Clone 深拷贝，存储之外的组件只拿到副本
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Payload = append([]byte(nil), o.Payload...)
	c.History = append([]HistoryEntry(nil), o.History...)
	if o.Submission != nil {
		s := *o.Submission
		s.TxHashes = append([]common.Hash(nil), o.Submission.TxHashes...)
		if o.Submission.GasPrice != nil {
			s.GasPrice = new(big.Int).Set(o.Submission.GasPrice)
		}
		c.Submission = &s
	}
	return &c
}
