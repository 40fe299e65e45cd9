package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/betbot/relayer/pkg/logger"
)

// ErrNotExists 表示数据不存在
var ErrNotExists = errors.New("persistence data not exists")

// Store 键值存储接口。值以 JSON 编码保存。
type Store interface {
	Save(key string, data interface{}) error
	Load(key string, data interface{}) error
	// Iterate 按 key 字典序遍历指定前缀下的所有条目
	Iterate(prefix string, fn func(key string, raw []byte) error) error
	Delete(key string) error
	Close() error
}

// JSONFileStore 基于 JSON 文件的存储，每个 key 一个文件
type JSONFileStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewJSONFileStore 创建 JSON 文件存储
func NewJSONFileStore(baseDir string) (*JSONFileStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("persistence: base dir is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &JSONFileStore{baseDir: baseDir}, nil
}

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// 文件名安全化后仍需能还原 key，因此 key 原文保存在文件内容的 envelope 中
type fileEnvelope struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

func (s *JSONFileStore) filePath(key string) string {
	safe := keySanitizer.ReplaceAllString(key, "_")
	return filepath.Join(s.baseDir, safe+".json")
}

// Save 保存数据（先写临时文件再 rename，保证原子性）
func (s *JSONFileStore) Save(key string, data interface{}) error {
	logger.Debugf("[persistence] Save: key=%s", key)
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(fileEnvelope{Key: key, Data: raw}, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.filePath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *JSONFileStore) readEnvelope(path string) (*fileEnvelope, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotExists
		}
		return nil, err
	}
	if len(b) == 0 {
		return nil, ErrNotExists
	}
	var env fileEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &env, nil
}

// Load 加载数据
func (s *JSONFileStore) Load(key string, data interface{}) error {
	logger.Debugf("[persistence] Load: key=%s", key)
	s.mu.Lock()
	env, err := s.readEnvelope(s.filePath(key))
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return json.Unmarshal(env.Data, data)
}

// Iterate 遍历前缀下的所有条目
func (s *JSONFileStore) Iterate(prefix string, fn func(key string, raw []byte) error) error {
	s.mu.Lock()
	paths, err := filepath.Glob(filepath.Join(s.baseDir, "*.json"))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var envs []*fileEnvelope
	for _, p := range paths {
		env, err := s.readEnvelope(p)
		if err != nil {
			if errors.Is(err, ErrNotExists) {
				continue
			}
			s.mu.Unlock()
			return err
		}
		if strings.HasPrefix(env.Key, prefix) {
			envs = append(envs, env)
		}
	}
	s.mu.Unlock()

	sort.Slice(envs, func(i, j int) bool { return envs[i].Key < envs[j].Key })
	for _, env := range envs {
		if err := fn(env.Key, env.Data); err != nil {
			return err
		}
	}
	return nil
}

// Delete 删除 key（不存在时不报错）
func (s *JSONFileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.filePath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *JSONFileStore) Close() error { return nil }
