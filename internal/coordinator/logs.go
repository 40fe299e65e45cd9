package coordinator

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/core/types"
)

func bigOf(n uint64) *big.Int { return new(big.Int).SetUint64(n) }

// sortLogs 按链上顺序（区块号、日志序号）排序
func sortLogs(logs []types.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
}
