package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// SettlementABI 结算合约中中继器使用的部分
const SettlementABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "name": "orderId", "type": "bytes32"},
			{"indexed": false, "name": "orderData", "type": "bytes"}
		],
		"name": "Open",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [{"indexed": true, "name": "orderId", "type": "bytes32"}],
		"name": "Fill",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [{"indexed": true, "name": "orderId", "type": "bytes32"}],
		"name": "Cancel",
		"type": "event"
	},
	{
		"inputs": [{"name": "orderId", "type": "bytes32"}],
		"name": "confirm",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

var settlementABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(SettlementABI))
	if err != nil {
		panic("chain: invalid settlement ABI: " + err.Error())
	}
	settlementABI = parsed
}

// ParsedABI 已解析的结算合约 ABI
func ParsedABI() abi.ABI { return settlementABI }

// ConfirmCall 打包 confirm(bytes32) 调用数据
func ConfirmCall(orderID common.Hash) ([]byte, error) {
	var id [32]byte
	copy(id[:], orderID[:])
	data, err := settlementABI.Pack("confirm", id)
	if err != nil {
		return nil, errors.Wrap(err, "pack confirm")
	}
	return data, nil
}
