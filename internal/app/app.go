// Package app はアプリケーションの起動とワイヤリングを提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/takumi/forumedge/internal/cache"
	"github.com/takumi/forumedge/internal/config"
	"github.com/takumi/forumedge/internal/detail"
	"github.com/takumi/forumedge/internal/feed"
	"github.com/takumi/forumedge/internal/handler"
	"github.com/takumi/forumedge/internal/logger"
	"github.com/takumi/forumedge/internal/metrics"
	"github.com/takumi/forumedge/internal/security"
	"github.com/takumi/forumedge/internal/timeline"
	"github.com/takumi/forumedge/internal/upstream"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	return runServe(cfg)
}

// runServe はエンジンをワイヤリングし、UIシェル向けのローカルAPIサーバーを起動する。
// ログイン中の1セッション分の状態（キャッシュ・ローダー・待機リスト）をこの
// プロセスが保持し、SIGINTまたはSIGTERMで破棄する。ログアウト時はプロセスごと
// 再起動することで状態を確実に捨てる。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 2. セキュリティサービス
	guard := security.NewEndpointGuard()
	if err := guard.ValidateEndpoint(cfg.UpstreamBaseURL); err != nil {
		return fmt.Errorf("invalid upstream base URL: %w", err)
	}
	httpClient := guard.NewSafeClient(cfg.CommentsTimeout + 5*time.Second)
	sanitizer := security.NewBodySanitizer()

	// 3. 上流クライアント
	limiter := rate.NewLimiter(rate.Limit(cfg.UpstreamRate), cfg.UpstreamBurst)
	client := upstream.NewClient(
		cfg.UpstreamBaseURL,
		httpClient,
		upstream.StaticTokenSource(cfg.AuthToken),
		sanitizer,
		limiter,
		collector,
		log,
		upstream.Timeouts{
			Feed:     cfg.FeedTimeout,
			Post:     cfg.PostTimeout,
			Comments: cfg.CommentsTimeout,
			Write:    cfg.WriteTimeout,
		},
	)

	// 4. キャッシュとローダー
	cacheSvc := cache.NewService(cfg.ListTTL, cfg.DetailTTL)
	feedLoader := feed.NewLoader(client, cacheSvc, log, collector, cfg.PageSize)
	detailLoader := detail.NewLoader(client, cacheSvc, log, collector)

	// 5. 楽観的投稿の管理
	// 送信成功後は強制リフレッシュで確定版の到着を早める
	reconciler := timeline.NewReconciler(client, log, collector, func() {
		if _, err := feedLoader.Refresh(context.Background(), true); err != nil {
			log.Warn("送信後のリフレッシュに失敗しました", slog.String("error", err.Error()))
		}
	})

	// 6. ルーターの構築
	deps := &handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		TimelineLoader:    feedLoader,
		Reconciler:        reconciler,
		DetailLoader:      detailLoader,
		ForumWriter:       client,
		Bookmarks:         cacheSvc,
		Gatherer:          registry,
	}
	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ポーリングのライフサイクル管理
	pollCtx, cancelPoll := context.WithCancel(context.Background())
	defer cancelPoll()
	go feedLoader.StartPolling(pollCtx, cfg.PollInterval)

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("engine server starting",
			slog.String("addr", server.Addr),
			slog.Duration("poll_interval", cfg.PollInterval),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down engine server...")
	cancelPoll()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 実行中のバックグラウンド送信を回収してから終了する
	reconciler.Wait()

	slog.Info("engine server stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
