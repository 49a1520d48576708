package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/takumi/forumedge/internal/model"
)

// DetailLoaderInterface は投稿詳細ハンドラーが必要とするローダーのインターフェース。
type DetailLoaderInterface interface {
	// Load は投稿詳細を段階的に解決する。
	Load(ctx context.Context, postID string) (model.PostDetail, error)
	// LoadComments はコメント列を同期的に取得する。
	LoadComments(ctx context.Context, postID string) ([]model.Comment, error)
}

// ForumWriterInterface は書き込み系操作のインターフェース。
type ForumWriterInterface interface {
	// CreateReply は返信を作成する。
	CreateReply(ctx context.Context, postID, body string, anonymous bool) (model.Comment, error)
	// ToggleBookmark はブックマーク状態をトグルし、新しい状態を返す。
	ToggleBookmark(ctx context.Context, postID string) (bool, error)
	// Report は投稿または返信を通報する。
	Report(ctx context.Context, targetID, targetType, reason, reasonContext string) error
}

// BookmarkCache はキャッシュへの直接反映インターフェース。
type BookmarkCache interface {
	// UpdateBookmark は両キャッシュ層のブックマークフラグをインプレースで更新する。
	UpdateBookmark(postID string, bookmarked bool)
	// Prefetch は一覧キャッシュのサマリーから詳細スケルトンを合成する。
	Prefetch(postID string)
}

// PostHandler は投稿詳細・書き込み系のHTTPハンドラー。
type PostHandler struct {
	detail    DetailLoaderInterface
	writer    ForumWriterInterface
	bookmarks BookmarkCache
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(detail DetailLoaderInterface, writer ForumWriterInterface, bookmarks BookmarkCache) *PostHandler {
	return &PostHandler{
		detail:    detail,
		writer:    writer,
		bookmarks: bookmarks,
	}
}

// GetPost は投稿詳細を取得する。
// GET /api/posts/:id
//
// comments_loaded=falseのレスポンスはコメント未取得のスケルトンであり、
// コメントはバックグラウンド取得の完了後にキャッシュへ反映される。
func (h *PostHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "id")

	d, err := h.detail.Load(r.Context(), postID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPostDetailResponse(d))
}

// Prefetch は遷移前の先読みを行う。
// POST /api/posts/:id/prefetch
//
// 一覧キャッシュにサマリーがあれば詳細スケルトンを合成して即応答する。
// ネットワーク取得は一切行わないベストエフォート操作のため、常に204を返す。
func (h *PostHandler) Prefetch(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "id")

	h.bookmarks.Prefetch(postID)

	w.WriteHeader(http.StatusNoContent)
}

// GetComments は投稿のコメント列を取得する。
// GET /api/posts/:id/comments
func (h *PostHandler) GetComments(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "id")

	comments, err := h.detail.LoadComments(r.Context(), postID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]commentResponse, len(comments))
	for i, c := range comments {
		resp[i] = toCommentResponse(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": resp})
}

// createReplyRequest は返信作成リクエストのボディ。
type createReplyRequest struct {
	Body        string `json:"body"`
	IsAnonymous bool   `json:"is_anonymous"`
}

// CreateReply は返信を作成する。
// POST /api/posts/:id/comments
func (h *PostHandler) CreateReply(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "id")

	var req createReplyRequest
	if err := decodeRequest(w, r, &req); err != nil {
		return
	}

	if strings.TrimSpace(req.Body) == "" {
		handleServiceError(w, model.NewInvalidRequestError("本文が空です"))
		return
	}

	comment, err := h.writer.CreateReply(r.Context(), postID, req.Body, req.IsAnonymous)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toCommentResponse(comment))
}

// ToggleBookmark はブックマーク状態をトグルする。
// POST /api/posts/:id/bookmark
//
// 成功時は新しい状態を両キャッシュ層にインプレースで反映する。
func (h *PostHandler) ToggleBookmark(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "id")

	bookmarked, err := h.writer.ToggleBookmark(r.Context(), postID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.bookmarks.UpdateBookmark(postID, bookmarked)

	writeJSON(w, http.StatusOK, map[string]bool{"is_bookmarked": bookmarked})
}

// reportRequest は通報リクエストのボディ。
type reportRequest struct {
	TargetID   string `json:"target_id"`
	TargetType string `json:"target_type"`
	Reason     string `json:"reason"`
	Context    string `json:"context"`
}

// Report は投稿または返信を通報する。
// POST /api/reports
//
// 同一対象への再通報は409（ALREADY_REPORTED）になる。
func (h *PostHandler) Report(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decodeRequest(w, r, &req); err != nil {
		return
	}

	if req.TargetID == "" || req.Reason == "" {
		handleServiceError(w, model.NewInvalidRequestError("target_idとreasonは必須です"))
		return
	}
	if req.TargetType == "" {
		req.TargetType = "post"
	}

	if err := h.writer.Report(r.Context(), req.TargetID, req.TargetType, req.Reason, req.Context); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
