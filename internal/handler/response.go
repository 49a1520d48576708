package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/takumi/forumedge/internal/middleware"
	"github.com/takumi/forumedge/internal/model"
	"github.com/takumi/forumedge/internal/timeline"
)

// authorResponse は投稿者情報のAPIレスポンス。
type authorResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Handle      string `json:"handle"`
	AvatarURL   string `json:"avatar_url"`
	IsLawyer    bool   `json:"is_lawyer"`
}

// postResponse は投稿サマリーのAPIレスポンス。
// Pending=trueの投稿はサーバー確認前の楽観的エントリ。
type postResponse struct {
	ID           string          `json:"id"`
	Author       *authorResponse `json:"author,omitempty"`
	Category     string          `json:"category"`
	Body         string          `json:"body"`
	CommentCount int             `json:"comment_count"`
	IsBookmarked bool            `json:"is_bookmarked"`
	IsAnonymous  bool            `json:"is_anonymous"`
	IsFlagged    bool            `json:"is_flagged"`
	CreatedAt    time.Time       `json:"created_at"`
	Pending      bool            `json:"pending"`
}

// commentResponse は返信のAPIレスポンス。匿名返信はauthorがnullになる。
type commentResponse struct {
	ID        string          `json:"id"`
	Body      string          `json:"body"`
	Author    *authorResponse `json:"author"`
	IsFlagged bool            `json:"is_flagged"`
	CreatedAt time.Time       `json:"created_at"`
}

// postDetailResponse は投稿詳細のAPIレスポンス。
// CommentsLoaded=falseの場合、コメントは別途到着する。
type postDetailResponse struct {
	postResponse
	Comments       []commentResponse `json:"comments"`
	CommentsLoaded bool              `json:"comments_loaded"`
}

// timelineResponse はタイムラインのAPIレスポンス。
// リフレッシュ失敗時もposts（直前の表示内容）は維持され、errorに失敗理由が入る。
type timelineResponse struct {
	Posts   []postResponse                `json:"posts"`
	HasMore bool                          `json:"has_more"`
	Error   *middleware.ErrorResponseBody `json:"error,omitempty"`
}

func toAuthorResponse(a model.Author) *authorResponse {
	return &authorResponse{
		ID:          a.ID,
		DisplayName: a.DisplayName,
		Handle:      a.Handle,
		AvatarURL:   a.AvatarURL,
		IsLawyer:    a.IsLawyer,
	}
}

func toPostResponse(p model.PostSummary, pending bool) postResponse {
	resp := postResponse{
		ID:           p.ID,
		Category:     p.Category,
		Body:         p.Body,
		CommentCount: p.CommentCount,
		IsBookmarked: p.IsBookmarked,
		IsAnonymous:  p.IsAnonymous,
		IsFlagged:    p.IsFlagged,
		CreatedAt:    p.CreatedAt,
		Pending:      pending,
	}
	if !p.IsAnonymous && p.Author.ID != "" {
		resp.Author = toAuthorResponse(p.Author)
	}
	return resp
}

func toCommentResponse(c model.Comment) commentResponse {
	resp := commentResponse{
		ID:        c.ID,
		Body:      c.Body,
		IsFlagged: c.IsFlagged,
		CreatedAt: c.CreatedAt,
	}
	if c.Author != nil {
		resp.Author = toAuthorResponse(*c.Author)
	}
	return resp
}

func toPostDetailResponse(d model.PostDetail) postDetailResponse {
	comments := make([]commentResponse, len(d.Comments))
	for i, c := range d.Comments {
		comments[i] = toCommentResponse(c)
	}
	return postDetailResponse{
		postResponse:   toPostResponse(d.PostSummary, false),
		Comments:       comments,
		CommentsLoaded: d.CommentsLoaded,
	}
}

func toTimelineResponse(entries []timeline.Entry, hasMore bool, lastErr *model.APIError) timelineResponse {
	posts := make([]postResponse, len(entries))
	for i, e := range entries {
		posts[i] = toPostResponse(e.PostSummary, e.Pending)
	}
	resp := timelineResponse{
		Posts:   posts,
		HasMore: hasMore,
	}
	if lastErr != nil {
		resp.Error = &middleware.ErrorResponseBody{
			Code:     lastErr.Code,
			Message:  lastErr.Message,
			Category: lastErr.Category,
			Action:   lastErr.Action,
		}
	}
	return resp
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// decodeRequest はリクエストボディをJSONとしてデコードする。
// 解析に失敗した場合はエラーレスポンスを書き込み、非nilを返す。
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidRequest,
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return err
	}
	return nil
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, middleware.StatusForError(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}
