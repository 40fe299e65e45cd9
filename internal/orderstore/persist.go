package orderstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/betbot/relayer/internal/domain"
	"github.com/betbot/relayer/pkg/logger"
	"github.com/betbot/relayer/pkg/persistence"
	"github.com/ethereum/go-ethereum/common"
)

const (
	orderPrefix  = "order/"
	orphanPrefix = "orphan/"
	cursorKey    = "cursor"
)

func orderKey(id common.Hash) string  { return orderPrefix + id.Hex() }
func orphanKey(id common.Hash) string { return orphanPrefix + id.Hex() }

// 持久化失败不回滚内存状态：内存是事实来源，下次变迁会再次写入
func (s *Store) persistOrder(o *domain.Order) {
	s.save(orderKey(o.ID), o)
}

func (s *Store) save(key string, v interface{}) {
	if s.persist == nil {
		return
	}
	if err := s.persist.Save(key, v); err != nil {
		logger.Errorf("[orderstore] 持久化失败 key=%s: %v", key, err)
	}
}

func (s *Store) remove(key string) {
	if s.persist == nil {
		return
	}
	if err := s.persist.Delete(key); err != nil && !errors.Is(err, persistence.ErrNotExists) {
		logger.Warnf("[orderstore] 删除失败 key=%s: %v", key, err)
	}
}

// Load 从持久化存储恢复订单、孤儿事件与游标。应在处理任何事件之前调用。
func (s *Store) Load() error {
	if s.persist == nil {
		return nil
	}

	n := 0
	err := s.persist.Iterate(orderPrefix, func(key string, raw []byte) error {
		var o domain.Order
		if err := json.Unmarshal(raw, &o); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		sh := s.shard(o.ID)
		sh.mu.Lock()
		sh.orders[o.ID] = &o
		sh.mu.Unlock()
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("load orders: %w", err)
	}

	err = s.persist.Iterate(orphanPrefix, func(key string, raw []byte) error {
		var list []Orphan
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if len(list) == 0 {
			return nil
		}
		s.orphanMu.Lock()
		s.orphans[list[0].OrderID] = list
		s.orphanMu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("load orphans: %w", err)
	}

	var cursor uint64
	switch err := s.persist.Load(cursorKey, &cursor); {
	case err == nil:
		s.cursorMu.Lock()
		s.cursor, s.hasCursor = cursor, true
		s.cursorMu.Unlock()
	case errors.Is(err, persistence.ErrNotExists):
	default:
		return fmt.Errorf("load cursor: %w", err)
	}

	logger.Infof("[orderstore] 已恢复 %d 个订单, cursor=%d", n, cursor)
	return nil
}
