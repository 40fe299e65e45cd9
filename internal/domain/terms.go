package domain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Terms Open 事件中订单 payload 的解码结果。
// ABI 布局: (address beneficiary, uint256 amount, uint256 destinationChainId, uint64 expiryBlock, uint256 nonce)
type Terms struct {
	Beneficiary      common.Address
	Amount           *big.Int
	DestinationChain *big.Int
	ExpiryBlock      uint64
	Nonce            *big.Int
}

var termsArgs = func() abi.Arguments {
	addressT, _ := abi.NewType("address", "", nil)
	uint256T, _ := abi.NewType("uint256", "", nil)
	uint64T, _ := abi.NewType("uint64", "", nil)
	return abi.Arguments{
		{Name: "beneficiary", Type: addressT},
		{Name: "amount", Type: uint256T},
		{Name: "destinationChainId", Type: uint256T},
		{Name: "expiryBlock", Type: uint64T},
		{Name: "nonce", Type: uint256T},
	}
}()

// DecodeTerms 解析 payload；长度或字段不合法时返回错误
func DecodeTerms(payload []byte) (*Terms, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty order payload")
	}
	vals, err := termsArgs.Unpack(payload)
	if err != nil {
		return nil, fmt.Errorf("unpack order payload: %w", err)
	}
	if len(vals) != len(termsArgs) {
		return nil, fmt.Errorf("unexpected field count %d", len(vals))
	}
	t := &Terms{}
	var ok bool
	if t.Beneficiary, ok = vals[0].(common.Address); !ok {
		return nil, fmt.Errorf("beneficiary: unexpected type %T", vals[0])
	}
	if t.Amount, ok = vals[1].(*big.Int); !ok {
		return nil, fmt.Errorf("amount: unexpected type %T", vals[1])
	}
	if t.DestinationChain, ok = vals[2].(*big.Int); !ok {
		return nil, fmt.Errorf("destinationChainId: unexpected type %T", vals[2])
	}
	if t.ExpiryBlock, ok = vals[3].(uint64); !ok {
		return nil, fmt.Errorf("expiryBlock: unexpected type %T", vals[3])
	}
	if t.Nonce, ok = vals[4].(*big.Int); !ok {
		return nil, fmt.Errorf("nonce: unexpected type %T", vals[4])
	}
	return t, nil
}

// EncodeTerms 编码 payload（测试与工具使用）
func EncodeTerms(t Terms) ([]byte, error) {
	amount, dest, nonce := t.Amount, t.DestinationChain, t.Nonce
	if amount == nil {
		amount = new(big.Int)
	}
	if dest == nil {
		dest = new(big.Int)
	}
	if nonce == nil {
		nonce = new(big.Int)
	}
	return termsArgs.Pack(t.Beneficiary, amount, dest, t.ExpiryBlock, nonce)
}
