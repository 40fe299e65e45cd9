package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/betbot/relayer/internal/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// NonceManager 在本地分配连续 nonce，避免并发提交互相覆盖。
// 首次使用或 Resync 后从链上 pending nonce 同步，但不会回退到已分配出去的 nonce 之下：
// 节点的 pending nonce 看不到其他 goroutine 已领取、尚未广播的 nonce。
type NonceManager struct {
	mu      sync.Mutex
	dest    chain.DestinationConnector
	account common.Address
	next    uint64
	// gaps 已归还、低于 next 的 nonce，升序；Acquire 优先复用
	gaps   []uint64
	synced bool
}

// NewNonceManager 创建 nonce 管理器
func NewNonceManager(dest chain.DestinationConnector, account common.Address) *NonceManager {
	return &NonceManager{dest: dest, account: account}
}

// Acquire 分配下一个 nonce：先填补归还的空洞，再递增
func (m *NonceManager) Acquire(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.synced {
		if err := m.syncLocked(ctx); err != nil {
			return 0, err
		}
	}
	if len(m.gaps) > 0 {
		n := m.gaps[0]
		m.gaps = m.gaps[1:]
		return n, nil
	}
	n := m.next
	m.next++
	return n, nil
}

// Release 归还未广播的 nonce
func (m *NonceManager) Release(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n >= m.next {
		return
	}
	i := sort.Search(len(m.gaps), func(i int) bool { return m.gaps[i] >= n })
	if i < len(m.gaps) && m.gaps[i] == n {
		return
	}
	m.gaps = append(m.gaps, 0)
	copy(m.gaps[i+1:], m.gaps[i:])
	m.gaps[i] = n
	// 顶端的空洞直接收回
	for len(m.gaps) > 0 && m.gaps[len(m.gaps)-1]+1 == m.next {
		m.next--
		m.gaps = m.gaps[:len(m.gaps)-1]
	}
}

// Resync 标记失步（如 nonce too low），下次 Acquire 时与链上对齐
func (m *NonceManager) Resync() {
	m.mu.Lock()
	m.synced = false
	m.mu.Unlock()
}

func (m *NonceManager) syncLocked(ctx context.Context) error {
	n, err := m.dest.PendingNonce(ctx, m.account)
	if err != nil {
		return errors.Wrap(err, "sync nonce")
	}
	if n > m.next {
		m.next = n
	}
	// 链上已使用的空洞不能再分配
	kept := m.gaps[:0]
	for _, g := range m.gaps {
		if g >= n {
			kept = append(kept, g)
		}
	}
	m.gaps = kept
	m.synced = true
	return nil
}
