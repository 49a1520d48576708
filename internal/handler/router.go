package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/takumi/forumedge/internal/metrics"
	"github.com/takumi/forumedge/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger            *slog.Logger
	CORSAllowedOrigin string

	// タイムライン
	TimelineLoader TimelineLoaderInterface
	Reconciler     ReconcilerInterface

	// 投稿詳細・書き込み
	DetailLoader DetailLoaderInterface
	ForumWriter  ForumWriterInterface
	Bookmarks    BookmarkCache

	// メトリクス公開（nilの場合/metricsは提供しない）
	Gatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware → CORSMiddleware
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	timelineHandler := NewTimelineHandler(deps.TimelineLoader, deps.Reconciler)
	postHandler := NewPostHandler(deps.DetailLoader, deps.ForumWriter, deps.Bookmarks)

	// タイムライン
	r.Route("/api/timeline", func(r chi.Router) {
		r.Get("/", timelineHandler.GetTimeline)
		r.Post("/more", timelineHandler.LoadMore)
	})

	// 投稿
	r.Route("/api/posts", func(r chi.Router) {
		r.Post("/", timelineHandler.CreatePost)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", postHandler.GetPost)
			r.Get("/comments", postHandler.GetComments)
			r.Post("/comments", postHandler.CreateReply)
			r.Post("/bookmark", postHandler.ToggleBookmark)
			r.Post("/prefetch", postHandler.Prefetch)
		})
	})

	// 通報
	r.Post("/api/reports", postHandler.Report)

	// コンポーザー復元
	r.Get("/api/compose/restore", timelineHandler.RestoreComposer)

	// ヘルスチェック
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Prometheusスクレイプ
	if deps.Gatherer != nil {
		r.Get("/metrics", metrics.Handler(deps.Gatherer).ServeHTTP)
	}

	return r
}
