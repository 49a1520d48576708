package handler

import (
	"context"
	"net/http"

	"github.com/takumi/forumedge/internal/feed"
	"github.com/takumi/forumedge/internal/middleware"
	"github.com/takumi/forumedge/internal/model"
	"github.com/takumi/forumedge/internal/timeline"
)

// TimelineLoaderInterface はタイムラインハンドラーが必要とするフィードローダーの
// インターフェース。
type TimelineLoaderInterface interface {
	// Refresh はフィードの先頭ページを取得する。force=trueでキャッシュを無視する。
	Refresh(ctx context.Context, force bool) (feed.Snapshot, error)
	// LoadMore は次のページを末尾に追加する。
	LoadMore(ctx context.Context) (feed.Snapshot, error)
}

// ReconcilerInterface は楽観的投稿の管理インターフェース。
type ReconcilerInterface interface {
	// Submit は投稿を送信し、待機エントリを即座に返す。
	Submit(ctx context.Context, body, category string, anonymous bool) (model.PendingPost, error)
	// Reconcile は確定済みリストと待機リストを照合する。
	Reconcile(confirmed []model.PostSummary)
	// Merged は待機エントリ先頭の合成タイムラインを返す。
	Merged(confirmed []model.PostSummary) []timeline.Entry
	// TakeFailed は失敗した送信の入力内容を返して内部リストをクリアする。
	TakeFailed() []model.FailedSubmission
}

// TimelineHandler はタイムラインのHTTPハンドラー。
type TimelineHandler struct {
	loader     TimelineLoaderInterface
	reconciler ReconcilerInterface
}

// NewTimelineHandler はTimelineHandlerを生成する。
func NewTimelineHandler(loader TimelineLoaderInterface, reconciler ReconcilerInterface) *TimelineHandler {
	return &TimelineHandler{
		loader:     loader,
		reconciler: reconciler,
	}
}

// GetTimeline はタイムラインを取得する。
// GET /api/timeline?refresh=true
//
// リフレッシュ失敗時も200を返す。直前の表示内容がpostsに維持され、
// 失敗理由はerrorフィールドに入る（認証エラーの場合のみpostsは空になる）。
func (h *TimelineHandler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "true"

	snap, _ := h.loader.Refresh(r.Context(), force)
	h.reconciler.Reconcile(snap.Posts)
	entries := h.reconciler.Merged(snap.Posts)

	writeJSON(w, http.StatusOK, toTimelineResponse(entries, snap.HasMore, snap.LastErr))
}

// LoadMore はタイムラインの次ページを読み込む。
// POST /api/timeline/more
func (h *TimelineHandler) LoadMore(w http.ResponseWriter, r *http.Request) {
	snap, _ := h.loader.LoadMore(r.Context())
	entries := h.reconciler.Merged(snap.Posts)

	writeJSON(w, http.StatusOK, toTimelineResponse(entries, snap.HasMore, snap.LastErr))
}

// createPostRequest は投稿作成リクエストのボディ。
type createPostRequest struct {
	Body        string `json:"body"`
	Category    string `json:"category"`
	IsAnonymous bool   `json:"is_anonymous"`
}

// pendingPostResponse は楽観的投稿のAPIレスポンス。
type pendingPostResponse struct {
	TempID      string `json:"temp_id"`
	Body        string `json:"body"`
	Category    string `json:"category"`
	IsAnonymous bool   `json:"is_anonymous"`
}

// CreatePost は投稿を作成する。
// POST /api/posts
//
// 実際の送信はバックグラウンドで行われ、202と待機エントリを即座に返す。
// 送信失敗時の入力内容はGET /api/compose/restoreで回収できる。
func (h *TimelineHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := decodeRequest(w, r, &req); err != nil {
		return
	}

	pending, err := h.reconciler.Submit(r.Context(), req.Body, req.Category, req.IsAnonymous)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, pendingPostResponse{
		TempID:      pending.TempID,
		Body:        pending.Body,
		Category:    pending.Category,
		IsAnonymous: pending.IsAnonymous,
	})
}

// failedSubmissionResponse は失敗した送信のAPIレスポンス。
type failedSubmissionResponse struct {
	Body        string                        `json:"body"`
	Category    string                        `json:"category"`
	IsAnonymous bool                          `json:"is_anonymous"`
	Reason      *middleware.ErrorResponseBody `json:"reason,omitempty"`
}

// RestoreComposer は失敗した送信の入力内容を返す。
// GET /api/compose/restore
//
// 返却は一度限りで、UIシェルはこれをコンポーザーに復元する。
func (h *TimelineHandler) RestoreComposer(w http.ResponseWriter, r *http.Request) {
	failed := h.reconciler.TakeFailed()

	resp := make([]failedSubmissionResponse, len(failed))
	for i, f := range failed {
		resp[i] = failedSubmissionResponse{
			Body:        f.Body,
			Category:    f.Category,
			IsAnonymous: f.IsAnonymous,
		}
		if f.Reason != nil {
			resp[i].Reason = &middleware.ErrorResponseBody{
				Code:     f.Reason.Code,
				Message:  f.Reason.Message,
				Category: f.Reason.Category,
				Action:   f.Reason.Action,
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"submissions": resp})
}
