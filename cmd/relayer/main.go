package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/betbot/relayer/internal/chain"
	"github.com/betbot/relayer/internal/coordinator"
	"github.com/betbot/relayer/internal/metrics"
	"github.com/betbot/relayer/internal/orderstore"
	"github.com/betbot/relayer/internal/relay"
	"github.com/betbot/relayer/internal/status"
	"github.com/betbot/relayer/internal/validation"
	"github.com/betbot/relayer/pkg/config"
	"github.com/betbot/relayer/pkg/logger"
	"github.com/betbot/relayer/pkg/persistence"
	"github.com/betbot/relayer/pkg/ratelimit"
	"github.com/betbot/relayer/pkg/secretstore"
	"github.com/betbot/relayer/pkg/shutdown"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	envFile := flag.String("env", ".env", "环境变量文件（不存在则忽略）")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "加载 %s 失败: %v\n", *envFile, err)
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		JSON:       cfg.Log.JSON,
	}); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	if err := run(cfg); err != nil {
		logger.Errorf("relayer 退出: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sm := shutdown.NewManager()
	// 启动中途失败时也要释放已打开的资源
	defer func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := sm.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("优雅关闭未完全成功: %v", err)
		}
	}()

	// 存储
	persist, err := persistence.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("打开存储失败: %w", err)
	}
	if persist != nil {
		sm.OnShutdown("store", func(context.Context) error { return persist.Close() })
	}
	store := orderstore.New(orderstore.Options{Persist: persist})
	if err := store.Load(); err != nil {
		return fmt.Errorf("恢复订单失败: %w", err)
	}
	store.Observe(func(c orderstore.Change) { metrics.ObserveTransition(c.From, c.To) })
	st := store.Stats()
	metrics.SetOrderCounts(st.ByState)
	logger.Infof("已恢复 %d 个订单，%d 个孤儿事件，游标=%d", st.Total, st.Orphans, st.Cursor)

	// 链连接
	dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
	defer dialCancel()
	origin, err := chain.DialOrigin(dialCtx, cfg.Origin.RPCURL, cfg.Origin.ChainID)
	if err != nil {
		return fmt.Errorf("连接源链失败: %w", err)
	}
	sm.OnShutdown("origin", func(context.Context) error { origin.Close(); return nil })
	dest, err := chain.DialDestination(dialCtx, cfg.Destination.RPCURL, cfg.Destination.ChainID)
	if err != nil {
		return fmt.Errorf("连接目标链失败: %w", err)
	}
	sm.OnShutdown("destination", func(context.Context) error { dest.Close(); return nil })

	signer, err := loadSigner(cfg.Wallet, dest.ChainID())
	if err != nil {
		return err
	}
	logger.Infof("中继账户: %s", signer.Address().Hex())

	gate, err := validation.NewDefaultGate(validation.Policy{
		AllowedDestinations: cfg.Validation.AllowedDestinations,
		MinAmount:           cfg.Validation.MinAmount,
		MaxAmount:           cfg.Validation.MaxAmount,
		TokenDecimals:       cfg.Validation.TokenDecimals,
	})
	if err != nil {
		return fmt.Errorf("校验规则配置无效: %w", err)
	}
	logger.Infof("校验规则: %s", strings.Join(gate.Rules(), ", "))

	var opts []relay.Option
	if cfg.Relay.SendsPerSecond > 0 {
		opts = append(opts, relay.WithLimiter(ratelimit.NewTokenBucket(cfg.Relay.SendsPerSecond, cfg.Relay.SendsPerSecond)))
	}
	submitter := relay.New(store, dest, signer, relay.Config{
		Contract: common.HexToAddress(cfg.Destination.ContractAddress),
		Workers:  cfg.Relay.Workers,
		Policy: relay.Policy{
			MaxAttempts: cfg.Relay.MaxAttempts,
			BaseDelay:   cfg.Relay.BaseDelay,
			Multiplier:  cfg.Relay.Multiplier,
			MaxDelay:    cfg.Relay.MaxDelay,
		},
		ConfirmTimeout:         cfg.Relay.ConfirmTimeout,
		PollInterval:           cfg.Relay.PollInterval,
		GasBumpPercent:         cfg.Relay.GasBumpPercent,
		TransientRevertReasons: cfg.Relay.TransientRevertReasons,
	}, opts...)
	sm.OnShutdown("submitter", submitter.Close)

	coord := coordinator.New(origin, store, gate, submitter, coordinator.Config{
		Contract:          common.HexToAddress(cfg.Origin.ContractAddress),
		StartBlock:        cfg.Origin.StartBlock,
		ReorgDepth:        cfg.Origin.ReorgDepth,
		ConfirmationDepth: cfg.Origin.ConfirmationDepth,
		ReconcileChunk:    cfg.Origin.ReconcileChunk,
		ReconnectDelay:    cfg.Coordinator.ReconnectDelay,
		MaxReconnectDelay: cfg.Coordinator.MaxReconnectDelay,
	})

	if cfg.HTTP.MetricsAddr != "" {
		if _, err := metrics.StartAsync(ctx, cfg.HTTP.MetricsAddr); err != nil {
			return fmt.Errorf("启动 metrics 失败: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				metrics.SetOrderCounts(store.Stats().ByState)
			}
		}
	})
	if cfg.HTTP.StatusAddr != "" {
		api := status.New(store, coord.Head)
		g.Go(func() error { return api.Serve(gctx, cfg.HTTP.StatusAddr) })
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Infof("收到信号 %s，开始优雅关闭", sig)
			cancel()
		case <-gctx.Done():
		}
	}()

	return g.Wait()
}

func loadSigner(w config.WalletConfig, chainID *big.Int) (*chain.KeySigner, error) {
	switch {
	case w.PrivateKey != "":
		return chain.SignerFromHex(w.PrivateKey, chainID)
	case w.Mnemonic != "":
		return chain.SignerFromMnemonic(w.Mnemonic, w.DerivationPath, chainID)
	default:
		var key []byte
		if w.SecretStoreKey != "" {
			k, err := secretstore.ParseKey(w.SecretStoreKey)
			if err != nil {
				return nil, fmt.Errorf("secret store key 无效: %w", err)
			}
			key = k
		}
		ss, err := secretstore.Open(secretstore.OpenOptions{Path: w.SecretStorePath, EncryptionKey: key, ReadOnly: true})
		if err != nil {
			return nil, fmt.Errorf("打开 secret store 失败: %w", err)
		}
		defer ss.Close()
		return chain.SignerFromSecretStore(ss, w.SecretName, w.DerivationPath, chainID)
	}
}
