package orderstore

import (
	"errors"
	"fmt"

	"github.com/betbot/relayer/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidTransition 转换不在状态表中（乱序、终态之后的事件等）
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrOrphanEvent Fill/Cancel 指向未知订单，已记录为孤儿事件
	ErrOrphanEvent = errors.New("event for unknown order")
	// ErrDeferred 事件来得太早（如 Submitting 时收到 Fill），已暂存，下次状态变化后重放
	ErrDeferred = errors.New("event deferred until order advances")
	// ErrNotFound 订单不存在
	ErrNotFound = errors.New("order not found")
)

// StateError 携带订单上下文的状态错误，用 errors.Is 判断具体类型
type StateError struct {
	OrderID common.Hash
	From    domain.OrderState
	Kind    Kind
	Err     error
}

func (e *StateError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "none"
	}
	return fmt.Sprintf("order %s: %s from %s: %v", e.OrderID.Hex(), e.Kind, from, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// Kind 状态转换类型
type Kind string

const (
	KindOpen         Kind = "open"
	KindReject       Kind = "reject"
	KindStartSubmit  Kind = "start_submit"
	KindConfirmed    Kind = "confirmed"
	KindSubmitFailed Kind = "submit_failed"
	KindFill         Kind = "fill"
	KindCancel       Kind = "cancel"
	// KindRevert 链重组：订单所在区块已不是规范链，退回 Pending 等待重新观察
	KindRevert Kind = "revert"
)

// Transition 对订单的一次状态转换请求
type Transition struct {
	Kind Kind

	// Open 携带
	Payload  []byte
	Origin   domain.BlockRef
	OriginTx common.Hash
	LogIndex uint

	// Confirmed 携带
	TxHash common.Hash

	// Reject / SubmitFailed / Revert 的原因
	Reason string
}

// Open 源链 Open 事件
func Open(payload []byte, origin domain.BlockRef, txHash common.Hash, logIndex uint) Transition {
	return Transition{Kind: KindOpen, Payload: payload, Origin: origin, OriginTx: txHash, LogIndex: logIndex}
}

// Reject 校验拒绝
func Reject(reason string) Transition { return Transition{Kind: KindReject, Reason: reason} }

// Confirmed 目标链回执成功
func Confirmed(txHash common.Hash) Transition { return Transition{Kind: KindConfirmed, TxHash: txHash} }

// SubmitFailed 重试耗尽或不可重试错误
func SubmitFailed(reason string) Transition { return Transition{Kind: KindSubmitFailed, Reason: reason} }

// Fill 源链 Fill 事件
func Fill() Transition { return Transition{Kind: KindFill} }

// Cancel 源链 Cancel 事件
func Cancel() Transition { return Transition{Kind: KindCancel} }

// Revert 链重组回退
func Revert(reason string) Transition { return Transition{Kind: KindRevert, Reason: reason} }

// Target 转换的目标状态
func (k Kind) Target() domain.OrderState {
	switch k {
	case KindOpen:
		return domain.StateOpened
	case KindReject, KindSubmitFailed:
		return domain.StateFailed
	case KindStartSubmit:
		return domain.StateSubmitting
	case KindConfirmed:
		return domain.StateSubmitted
	case KindFill:
		return domain.StateFilled
	case KindCancel:
		return domain.StateCancelled
	case KindRevert:
		return domain.StatePending
	default:
		return ""
	}
}

// 合法转换表。Revert 只允许从 Opened 与校验失败的 Failed 出发，单独在 allowed 中处理。
var table = map[domain.OrderState]map[Kind]bool{
	domain.StatePending: {
		KindOpen: true,
	},
	domain.StateOpened: {
		KindReject:      true,
		KindStartSubmit: true,
		KindCancel:      true,
		KindRevert:      true,
	},
	domain.StateSubmitting: {
		KindConfirmed:    true,
		KindSubmitFailed: true,
		KindCancel:       true,
	},
	domain.StateSubmitted: {
		KindFill:   true,
		KindCancel: true,
	},
}

func allowed(o *domain.Order, k Kind) bool {
	if o.State == domain.StateFailed {
		return k == KindRevert && o.Failure == domain.FailureValidation
	}
	return table[o.State][k]
}

// 事件暂存：Fill 要等到 Submitted，Cancel 要等到 Opened
func deferrable(state domain.OrderState, k Kind) bool {
	switch k {
	case KindFill:
		return state == domain.StatePending || state == domain.StateOpened || state == domain.StateSubmitting
	case KindCancel:
		return state == domain.StatePending
	default:
		return false
	}
}

// 重复投递：目标状态与当前状态一致即视为已应用。
// Open 在订单已离开 Pending 后再次出现（重连后的对账重放）同样是重复。
func duplicate(o *domain.Order, k Kind) bool {
	if k == KindOpen {
		return o.State != domain.StatePending
	}
	return o.State == k.Target()
}
