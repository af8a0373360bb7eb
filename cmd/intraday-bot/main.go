package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/Andrei-Ionita/BRM-Trading/internal/auth"
	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
	"github.com/Andrei-Ionita/BRM-Trading/internal/engine"
	"github.com/Andrei-Ionita/BRM-Trading/internal/ledger"
	"github.com/Andrei-Ionita/BRM-Trading/internal/metrics"
	"github.com/Andrei-Ionita/BRM-Trading/pkg/config"
	"github.com/Andrei-Ionita/BRM-Trading/pkg/logger"
	"github.com/Andrei-Ionita/BRM-Trading/pkg/persistence"
	"github.com/Andrei-Ionita/BRM-Trading/pkg/secretstore"
	"github.com/Andrei-Ionita/BRM-Trading/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	envFile := flag.String("env-file", ".env", "环境变量文件（不存在时忽略）")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "加载 %s 失败: %v\n", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "加载配置失败:", err)
		os.Exit(1)
	}

	logCfg := logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		LogByDay:   cfg.Log.ByDay,
	}
	if err := logger.Init(logCfg); err != nil {
		fmt.Fprintln(os.Stderr, "初始化日志失败:", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := run(cfg, logCfg); err != nil {
		logrus.WithError(err).Error("退出")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logCfg logger.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if logCfg.LogByDay {
		logger.StartLogRotationChecker(ctx, logCfg)
	}

	sm := shutdown.NewManager()

	vault, closeVault, err := openVault(cfg)
	if err != nil {
		return err
	}
	sm.OnShutdown("vault", func(context.Context) error { return closeVault() })

	provider := auth.NewSSOProvider(auth.SSOConfig{
		TokenURL:  cfg.Identity.TokenURL,
		Scope:     cfg.Identity.Scope,
		GrantType: cfg.Identity.GrantType,
		Timeout:   cfg.Identity.RequestTimeout.D(),
		Proxy:     cfg.Session.Proxy,
	}, vault, nil)

	deps := engine.Deps{Identity: provider}
	if cfg.Positions.LedgerPath != "" {
		l, err := ledger.Open(cfg.Positions.LedgerPath)
		if err != nil {
			return err
		}
		deps.Ledger = l
		sm.OnShutdown("ledger", func(context.Context) error { return l.Close() })
	}
	if cfg.Persistence.Dir != "" {
		deps.Snapshots = persistence.NewFileService(cfg.Persistence.Dir)
	}

	eng, err := engine.New(engine.FromConfig(cfg), deps)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	sm.OnShutdown("engine", eng.Stop)

	eng.OnStatus(func(st domain.Status) {
		logrus.WithFields(logrus.Fields{
			"session":   st.Session.String(),
			"auth":      st.AuthAvailable,
			"expiresAt": st.CredentialExpiresAt,
		}).Info("状态")
	})

	if cfg.Metrics.Listen != "" {
		if _, err := metrics.StartAsync(ctx, cfg.Metrics.Listen, eng); err != nil {
			logrus.WithError(err).Warn("状态服务启动失败")
		}
	}

	logrus.Infof("intraday-bot 已启动：env=%s user=%s", cfg.Environment, cfg.Session.User)

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	sig := <-stopCh
	logrus.Infof("收到信号 %s，开始关闭", sig)

	// 排空时间之外再留出关闭会话与落盘的余量
	sctx, scancel := context.WithTimeout(context.Background(), cfg.Shutdown.DrainTimeout.D()+5*time.Second)
	defer scancel()
	sm.Shutdown(sctx)
	return nil
}

// openVault badger 库（BRM_SECRET_DB）优先，否则使用配置/环境变量中的凭据
func openVault(cfg *config.Config) (secretstore.Vault, func() error, error) {
	if cfg.Secrets.DBPath == "" {
		return secretstore.StaticVault{Creds: secretstore.Credentials{
			ClientID:     cfg.Identity.ClientID,
			ClientSecret: cfg.Identity.ClientSecret,
			Username:     cfg.Identity.Username,
			Password:     cfg.Identity.Password,
		}}, func() error { return nil }, nil
	}
	key, err := secretstore.ParseKey(cfg.Secrets.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("BRM_SECRET_KEY: %w", err)
	}
	store, err := secretstore.Open(secretstore.OpenOptions{Path: cfg.Secrets.DBPath, EncryptionKey: key, ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("打开凭据库 %s: %w", cfg.Secrets.DBPath, err)
	}
	logrus.Infof("使用加密凭据库: %s", cfg.Secrets.DBPath)
	return secretstore.NewBadgerVault(store), store.Close, nil
}
