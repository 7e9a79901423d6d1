package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"yilaitu-client/internal/api"
	"yilaitu-client/internal/apiclient"
	"yilaitu-client/internal/app"
	"yilaitu-client/internal/catalog"
	"yilaitu-client/internal/config"
	"yilaitu-client/internal/logger"
	"yilaitu-client/internal/model"
	"yilaitu-client/internal/notify"
	"yilaitu-client/internal/storage"
	"yilaitu-client/internal/store"
	"yilaitu-client/internal/worker"

	"github.com/gin-gonic/gin"
)

const catalogRefreshInterval = 30 * time.Minute

func main() {
	// 1. 初始化配置与日志
	config.InitConfig()
	cfg := &config.GlobalConfig
	logger.Init(cfg.Log.Level, cfg.Log.Pretty)
	log := logger.Log

	// 2. 初始化本地缓存数据库
	db, err := model.OpenDB(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("打开本地数据库失败")
	}
	cache := store.New(db)

	// 3. 初始化结果图存储
	var ossConfig *storage.OSSConfig
	if cfg.Storage.OSS.Enabled {
		ossConfig = &storage.OSSConfig{
			Endpoint:        cfg.Storage.OSS.Endpoint,
			AccessKeyID:     cfg.Storage.OSS.AccessKeyID,
			AccessKeySecret: cfg.Storage.OSS.AccessKeySecret,
			BucketName:      cfg.Storage.OSS.BucketName,
			Domain:          cfg.Storage.OSS.Domain,
		}
	}
	results, err := storage.New(cfg.Storage.LocalDir, ossConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化存储失败")
	}

	// 4. 加载风格目录，后台定期刷新
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	styles, err := catalog.New(catalog.Options{
		RemoteURL: cfg.Catalog.RemoteURL,
		CachePath: filepath.Join(cfg.Storage.LocalDir, "catalog.json"),
		Timeout:   time.Duration(cfg.Catalog.FetchTimeoutSeconds) * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("加载风格目录失败")
	}
	if cfg.Catalog.RemoteURL != "" {
		log.Info().Str("status", styles.Refresh(ctx)).Msg("风格目录启动刷新")
		styles.StartAutoRefresh(ctx, catalogRefreshInterval)
	}

	// 5. 初始化下载池
	downloads := worker.NewPool(worker.Options{
		Workers:   cfg.Download.Workers,
		QueueSize: cfg.Download.QueueSize,
		Storage:   results,
		Recorder:  cache,
		BaseURL:   cfg.API.BaseURL,
	})
	downloads.Start()

	// 6. 组装应用上下文并尝试恢复上次的登录态
	client := apiclient.New(apiclient.Options{
		BaseURL: cfg.API.BaseURL,
		Timeout: time.Duration(cfg.API.TimeoutSeconds) * time.Second,
	})
	application := app.New(app.Deps{
		Client:    client,
		Store:     cache,
		Catalog:   styles,
		Downloads: downloads,
		Dial:      notify.WebsocketDialer,
	}, app.SettingsFromConfig(cfg))

	restoreCtx, restoreCancel := context.WithTimeout(ctx, 15*time.Second)
	if sess, err := application.Restore(restoreCtx); err == nil {
		log.Info().Int64("user_id", sess.User.ID).Msg("已恢复登录态")
	} else if !errors.Is(err, store.ErrNoSession) {
		log.Warn().Err(err).Msg("恢复登录态失败，需要重新登录")
	}
	restoreCancel()

	// 7. 设置路由
	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(api.Options{App: application, Store: cache})
	r := api.NewRouter(handler, logger.Component("http"), cfg.Storage.LocalDir)

	// 8. 优雅启动与关闭
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("本地服务已启动")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("启动服务失败")
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("正在关闭服务...")

	// 优雅停止 HTTP 服务；SSE 连接随请求 ctx 结束
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("服务器强制关闭")
	}

	// 停止轮询、推送与下载池，保留本地登录态
	cancel()
	application.Close()

	log.Info().Msg("服务已安全退出")
}
