package events

import (
	"github.com/betbot/relayer/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Meta 事件所在日志的位置信息
type Meta struct {
	Block    domain.BlockRef
	TxHash   common.Hash
	LogIndex uint
	// Removed 由节点在链重组时设置：该日志所在区块已不在规范链上
	Removed bool
}

// Event 解码后的领域事件。封闭集合：OrderOpened / OrderFilled / OrderCancelled / UnknownEvent。
type Event interface {
	EventMeta() Meta
	sealed()
}

// OrderOpened Open(bytes32,bytes)
type OrderOpened struct {
	OrderID common.Hash
	Payload []byte
	Meta
}

// OrderFilled Fill(bytes32)
type OrderFilled struct {
	OrderID common.Hash
	Meta
}

// OrderCancelled Cancel(bytes32)
type OrderCancelled struct {
	OrderID common.Hash
	Meta
}

// UnknownEvent 未知签名；不是错误，不能中断事件流
type UnknownEvent struct {
	Topic common.Hash
	Meta
}

func (e *OrderOpened) EventMeta() Meta    { return e.Meta }
func (e *OrderFilled) EventMeta() Meta    { return e.Meta }
func (e *OrderCancelled) EventMeta() Meta { return e.Meta }
func (e *UnknownEvent) EventMeta() Meta   { return e.Meta }

func (*OrderOpened) sealed()    {}
func (*OrderFilled) sealed()    {}
func (*OrderCancelled) sealed() {}
func (*UnknownEvent) sealed()   {}

// Name 事件名（日志/指标用）
func Name(e Event) string {
	switch e.(type) {
	case *OrderOpened:
		return "open"
	case *OrderFilled:
		return "fill"
	case *OrderCancelled:
		return "cancel"
	default:
		return "unknown"
	}
}
