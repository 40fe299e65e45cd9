package persistence

import (
	"encoding/json"
	"errors"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore 基于 Badger 的存储实现
type BadgerStore struct {
	db *badger.DB
}

type BadgerOptions struct {
	Path     string
	InMemory bool // 测试用：不落盘
}

// OpenBadger 打开 Badger 存储
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(opts.Path) == "" {
			return nil, errors.New("persistence: badger path is required")
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	db, err := badger.Open(bopts.WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Save(key string, data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), b)
	})
}

func (s *BadgerStore) Load(key string, data interface{}) error {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotExists
			}
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, data)
}

func (s *BadgerStore) Iterate(prefix string, fn func(key string, raw []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Open 按后端名称打开存储：badger / json。memory 或空返回 nil（调用方不做持久化）。
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "memory":
		return nil, nil
	case "badger":
		s, err := OpenBadger(BadgerOptions{Path: path})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "json":
		s, err := NewJSONFileStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.New("persistence: unknown backend " + backend)
	}
}
