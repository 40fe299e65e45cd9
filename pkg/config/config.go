package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// OriginConfig 源链（监听 Open/Fill/Cancel 事件）
type OriginConfig struct {
	RPCURL          string `yaml:"rpc_url" json:"rpc_url"`
	ContractAddress string `yaml:"contract_address" json:"contract_address"`
	ChainID         uint64 `yaml:"chain_id" json:"chain_id"`
	StartBlock      uint64 `yaml:"start_block" json:"start_block"`           // 0 表示从当前区块开始
	ReorgDepth      uint64 `yaml:"reorg_depth" json:"reorg_depth"`           // 回溯检查重组的区块数
	ReconcileChunk  uint64 `yaml:"reconcile_chunk" json:"reconcile_chunk"`   // 对账时单次 eth_getLogs 的区块跨度
	// ConfirmationDepth Open 所在区块之上至少再有这么多区块才开始校验与提交；0 表示立即处理
	ConfirmationDepth uint64 `yaml:"confirmation_depth" json:"confirmation_depth"`
}

// DestinationConfig 目标链（发送 confirm 交易）
type DestinationConfig struct {
	RPCURL          string `yaml:"rpc_url" json:"rpc_url"`
	ContractAddress string `yaml:"contract_address" json:"contract_address"`
	ChainID         uint64 `yaml:"chain_id" json:"chain_id"`
}

// WalletConfig 签名钱包配置。三种来源按优先级：私钥 > 助记词 > secret store
type WalletConfig struct {
	PrivateKey      string `yaml:"private_key" json:"private_key"`
	Mnemonic        string `yaml:"mnemonic" json:"mnemonic"`
	DerivationPath  string `yaml:"derivation_path" json:"derivation_path"`
	SecretStorePath string `yaml:"secret_store_path" json:"secret_store_path"`
	SecretStoreKey  string `yaml:"secret_store_key" json:"secret_store_key"` // badger 加密 key（hex/base64，32 字节）
	SecretName      string `yaml:"secret_name" json:"secret_name"`
}

// ValidationConfig 订单校验规则参数
type ValidationConfig struct {
	AllowedDestinations []uint64 `yaml:"allowed_destinations" json:"allowed_destinations"`
	MinAmount           string   `yaml:"min_amount" json:"min_amount"` // 十进制代币单位，例如 "0.5"
	MaxAmount           string   `yaml:"max_amount" json:"max_amount"`
	TokenDecimals       int32    `yaml:"token_decimals" json:"token_decimals"`
}

// RelayConfig 提交/重试参数
type RelayConfig struct {
	Workers                int           `yaml:"workers" json:"workers"`
	MaxAttempts            int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay              time.Duration `yaml:"base_delay" json:"base_delay"`
	Multiplier             float64       `yaml:"multiplier" json:"multiplier"`
	MaxDelay               time.Duration `yaml:"max_delay" json:"max_delay"`
	ConfirmTimeout         time.Duration `yaml:"confirm_timeout" json:"confirm_timeout"`
	PollInterval           time.Duration `yaml:"poll_interval" json:"poll_interval"`
	GasBumpPercent         int           `yaml:"gas_bump_percent" json:"gas_bump_percent"`
	SendsPerSecond         int           `yaml:"sends_per_second" json:"sends_per_second"`
	TransientRevertReasons []string      `yaml:"transient_revert_reasons" json:"transient_revert_reasons"`
}

// CoordinatorConfig 事件循环参数
type CoordinatorConfig struct {
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay" json:"max_reconnect_delay"`
}

// StoreConfig 订单存储后端：memory / badger / json
type StoreConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	Path    string `yaml:"path" json:"path"`
}

// HTTPConfig 状态 API 与 metrics 监听地址（为空则不启动）
type HTTPConfig struct {
	StatusAddr  string `yaml:"status_addr" json:"status_addr"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
	Compress   bool   `yaml:"compress" json:"compress"`
	JSON       bool   `yaml:"json" json:"json"`
}

// Config 应用配置
type Config struct {
	Origin      OriginConfig      `yaml:"origin" json:"origin"`
	Destination DestinationConfig `yaml:"destination" json:"destination"`
	Wallet      WalletConfig      `yaml:"wallet" json:"wallet"`
	Validation  ValidationConfig  `yaml:"validation" json:"validation"`
	Relay       RelayConfig       `yaml:"relay" json:"relay"`
	Coordinator CoordinatorConfig `yaml:"coordinator" json:"coordinator"`
	Store       StoreConfig       `yaml:"store" json:"store"`
	HTTP        HTTPConfig        `yaml:"http" json:"http"`
	Log         LogConfig         `yaml:"log" json:"log"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Origin: OriginConfig{
			ReorgDepth:     12,
			ReconcileChunk: 2000,
		},
		Validation: ValidationConfig{
			MinAmount:     "0",
			TokenDecimals: 18,
		},
		Relay: RelayConfig{
			Workers:        4,
			MaxAttempts:    5,
			BaseDelay:      2 * time.Second,
			Multiplier:     2,
			MaxDelay:       time.Minute,
			ConfirmTimeout: 2 * time.Minute,
			PollInterval:   3 * time.Second,
			GasBumpPercent: 15,
			SendsPerSecond: 5,
		},
		Coordinator: CoordinatorConfig{
			ReconnectDelay:    time.Second,
			MaxReconnectDelay: 30 * time.Second,
		},
		Store: StoreConfig{Backend: "memory"},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
	}
}

// LoadFromFile 从指定文件加载配置，然后用环境变量覆盖，最后校验。
// filePath 为空时只使用默认值和环境变量。
func LoadFromFile(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON），覆盖到 cfg 上
func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

// applyEnv 环境变量覆盖（优先级：环境变量 > 配置文件 > 默认值）。
// 保留原型中使用的变量名 RPC_URL / CONTRACT_ADDRESS / CHAIN_ID / PRIVATE_KEY。
func applyEnv(c *Config) {
	c.Origin.RPCURL = getEnv("ORIGIN_RPC_URL", getEnv("RPC_URL", c.Origin.RPCURL))
	c.Origin.ContractAddress = getEnv("ORIGIN_CONTRACT_ADDRESS", getEnv("CONTRACT_ADDRESS", c.Origin.ContractAddress))
	c.Origin.ChainID = parseUintEnv("ORIGIN_CHAIN_ID", parseUintEnv("CHAIN_ID", c.Origin.ChainID))
	c.Origin.StartBlock = parseUintEnv("ORIGIN_START_BLOCK", c.Origin.StartBlock)
	c.Origin.ReorgDepth = parseUintEnv("ORIGIN_REORG_DEPTH", c.Origin.ReorgDepth)
	c.Origin.ConfirmationDepth = parseUintEnv("ORIGIN_CONFIRMATION_DEPTH", c.Origin.ConfirmationDepth)

	c.Destination.RPCURL = getEnv("DESTINATION_RPC_URL", c.Destination.RPCURL)
	c.Destination.ContractAddress = getEnv("DESTINATION_CONTRACT_ADDRESS", c.Destination.ContractAddress)
	c.Destination.ChainID = parseUintEnv("DESTINATION_CHAIN_ID", c.Destination.ChainID)

	c.Wallet.PrivateKey = getEnv("PRIVATE_KEY", c.Wallet.PrivateKey)
	c.Wallet.Mnemonic = getEnv("WALLET_MNEMONIC", c.Wallet.Mnemonic)
	c.Wallet.SecretStoreKey = getEnv("SECRET_STORE_KEY", c.Wallet.SecretStoreKey)

	c.Relay.Workers = parseIntEnv("RELAY_WORKERS", c.Relay.Workers)
	c.Relay.MaxAttempts = parseIntEnv("RELAY_MAX_ATTEMPTS", c.Relay.MaxAttempts)

	c.Store.Backend = getEnv("STORE_BACKEND", c.Store.Backend)
	c.Store.Path = getEnv("STORE_PATH", c.Store.Path)

	c.HTTP.StatusAddr = getEnv("STATUS_ADDR", c.HTTP.StatusAddr)
	c.HTTP.MetricsAddr = getEnv("METRICS_ADDR", c.HTTP.MetricsAddr)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	// 未单独配置目标链时，默认与源链相同（原型中 confirm 与事件在同一合约上）
	if c.Destination.RPCURL == "" {
		c.Destination.RPCURL = c.Origin.RPCURL
	}
	if c.Destination.ContractAddress == "" {
		c.Destination.ContractAddress = c.Origin.ContractAddress
	}
	if c.Destination.ChainID == 0 {
		c.Destination.ChainID = c.Origin.ChainID
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Origin.RPCURL == "" {
		return fmt.Errorf("RPC_URL 未配置")
	}
	if !isHexAddress(c.Origin.ContractAddress) {
		return fmt.Errorf("CONTRACT_ADDRESS 无效: %q", c.Origin.ContractAddress)
	}
	if c.Origin.ConfirmationDepth > c.Origin.ReorgDepth {
		return fmt.Errorf("confirmation_depth (%d) 不能超过 reorg_depth (%d)", c.Origin.ConfirmationDepth, c.Origin.ReorgDepth)
	}
	if !isHexAddress(c.Destination.ContractAddress) {
		return fmt.Errorf("DESTINATION_CONTRACT_ADDRESS 无效: %q", c.Destination.ContractAddress)
	}
	if c.Wallet.PrivateKey == "" && c.Wallet.Mnemonic == "" && c.Wallet.SecretStorePath == "" {
		return fmt.Errorf("未配置签名钱包（PRIVATE_KEY / WALLET_MNEMONIC / wallet.secret_store_path 三选一）")
	}
	if c.Wallet.SecretStorePath != "" && c.Wallet.SecretName == "" {
		return fmt.Errorf("wallet.secret_name 不能为空")
	}

	minAmt, err := decimal.NewFromString(orDefault(c.Validation.MinAmount, "0"))
	if err != nil {
		return fmt.Errorf("validation.min_amount 无效: %w", err)
	}
	if minAmt.IsNegative() {
		return fmt.Errorf("validation.min_amount 不能为负数")
	}
	if c.Validation.MaxAmount != "" {
		maxAmt, err := decimal.NewFromString(c.Validation.MaxAmount)
		if err != nil {
			return fmt.Errorf("validation.max_amount 无效: %w", err)
		}
		if maxAmt.LessThan(minAmt) {
			return fmt.Errorf("validation.max_amount 必须不小于 min_amount")
		}
	}
	if c.Validation.TokenDecimals < 0 || c.Validation.TokenDecimals > 36 {
		return fmt.Errorf("validation.token_decimals 超出范围: %d", c.Validation.TokenDecimals)
	}

	if c.Relay.Workers <= 0 {
		return fmt.Errorf("RELAY_WORKERS 必须大于 0")
	}
	if c.Relay.MaxAttempts <= 0 {
		return fmt.Errorf("RELAY_MAX_ATTEMPTS 必须大于 0")
	}
	if c.Relay.Multiplier < 1 {
		return fmt.Errorf("relay.multiplier 必须 >= 1")
	}
	if c.Relay.ConfirmTimeout <= 0 || c.Relay.PollInterval <= 0 {
		return fmt.Errorf("relay.confirm_timeout / relay.poll_interval 必须大于 0")
	}

	switch c.Store.Backend {
	case "", "memory":
	case "badger", "json":
		if c.Store.Path == "" {
			return fmt.Errorf("store.backend=%s 需要配置 store.path", c.Store.Backend)
		}
	default:
		return fmt.Errorf("未知的 store.backend: %s", c.Store.Backend)
	}
	return nil
}

func isHexAddress(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseUintEnv 解析无符号整数环境变量
func parseUintEnv(key string, defaultValue uint64) uint64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}
