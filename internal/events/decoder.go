package events

import (
	"github.com/betbot/relayer/internal/domain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// ErrMalformedPayload 日志数据不足以解析出订单 ID
var ErrMalformedPayload = errors.New("malformed event payload")

var (
	OpenTopic   = crypto.Keccak256Hash([]byte("Open(bytes32,bytes)"))
	FillTopic   = crypto.Keccak256Hash([]byte("Fill(bytes32)"))
	CancelTopic = crypto.Keccak256Hash([]byte("Cancel(bytes32)"))
)

// Topics 订阅过滤用的 topic[0] 集合
func Topics() []common.Hash {
	return []common.Hash{OpenTopic, FillTopic, CancelTopic}
}

var openArgs = func() abi.Arguments {
	bytes32T, _ := abi.NewType("bytes32", "", nil)
	bytesT, _ := abi.NewType("bytes", "", nil)
	return abi.Arguments{
		{Name: "orderId", Type: bytes32T},
		{Name: "orderData", Type: bytesT},
	}
}()

// Decode 把原始日志解码为领域事件。纯函数，无 I/O。
func Decode(log types.Log) (Event, error) {
	meta := Meta{
		Block:    domain.BlockRef{Number: log.BlockNumber, Hash: log.BlockHash},
		TxHash:   log.TxHash,
		LogIndex: log.Index,
		Removed:  log.Removed,
	}
	if len(log.Topics) == 0 {
		return nil, errors.Wrap(ErrMalformedPayload, "log has no topics")
	}

	switch log.Topics[0] {
	case OpenTopic:
		return decodeOpen(log.Data, meta)
	case FillTopic:
		id, err := orderIDFromLog(log)
		if err != nil {
			return nil, errors.Wrap(err, "fill")
		}
		return &OrderFilled{OrderID: id, Meta: meta}, nil
	case CancelTopic:
		id, err := orderIDFromLog(log)
		if err != nil {
			return nil, errors.Wrap(err, "cancel")
		}
		return &OrderCancelled{OrderID: id, Meta: meta}, nil
	default:
		return &UnknownEvent{Topic: log.Topics[0], Meta: meta}, nil
	}
}

func decodeOpen(data []byte, meta Meta) (Event, error) {
	if len(data) < common.HashLength {
		return nil, errors.Wrapf(ErrMalformedPayload, "open: data length %d < 32", len(data))
	}
	ev := &OrderOpened{
		OrderID: common.BytesToHash(data[:common.HashLength]),
		Meta:    meta,
	}
	// 标准 ABI 编码 (bytes32, bytes) 时取出内层 bytes；否则保留原始尾部数据，由校验规则判断是否合法
	if vals, err := openArgs.Unpack(data); err == nil && len(vals) == 2 {
		if inner, ok := vals[1].([]byte); ok {
			ev.Payload = append([]byte(nil), inner...)
			return ev, nil
		}
	}
	ev.Payload = append([]byte(nil), data[common.HashLength:]...)
	return ev, nil
}

// Fill/Cancel 的订单 ID 为 indexed 参数（topic[1]），兼容非 indexed 时放在 data 头部的情况
func orderIDFromLog(log types.Log) (common.Hash, error) {
	if len(log.Topics) > 1 {
		return log.Topics[1], nil
	}
	if len(log.Data) >= common.HashLength {
		return common.BytesToHash(log.Data[:common.HashLength]), nil
	}
	return common.Hash{}, ErrMalformedPayload
}

// EncodeOpenData 按 Open(bytes32,bytes) 的 ABI 编码日志 data（测试与工具使用）
func EncodeOpenData(orderID common.Hash, payload []byte) ([]byte, error) {
	var id [32]byte
	copy(id[:], orderID[:])
	return openArgs.Pack(id, payload)
}
