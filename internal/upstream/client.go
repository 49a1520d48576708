// Package upstream はプラットフォームAPIのRESTクライアントを提供する。
// ベアラートークンの付与、エンドポイントごとのタイムアウト、
// レスポンスの寛容なパース、エラー分類を含む。
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/takumi/forumedge/internal/model"
)

// ErrSuperseded は新しいリクエストに追い越されて中断されたリクエストを表す。
// この結果はエラーUIに出さず、無言のno-opとして扱う。
var ErrSuperseded = errors.New("request superseded by a newer request")

// maxResponseSize はレスポンスボディの読み取り上限。
const maxResponseSize = 2 << 20 // 2MB

// TokenSource はリクエストに付与するベアラートークンの供給元。
// セッション状態（認証コンテキスト）は外部コラボレーターであり、
// このインターフェース越しにのみ参照する。
type TokenSource interface {
	Token() string
}

// StaticTokenSource は固定トークンを返すTokenSource。
type StaticTokenSource string

// Token は保持しているトークンを返す。
func (s StaticTokenSource) Token() string { return string(s) }

// Sanitizer は本文サニタイズのインターフェース。
type Sanitizer interface {
	Sanitize(raw string) string
}

// MetricsRecorder は上流リクエストのメトリクス記録のインターフェース。
type MetricsRecorder interface {
	RecordUpstreamRequest(endpoint string, statusCode int, duration time.Duration)
}

// Timeouts はエンドポイント種別ごとのリクエストタイムアウト。
type Timeouts struct {
	// Feed はフィードページ取得のタイムアウト。
	Feed time.Duration
	// Post は投稿単体取得のタイムアウト。
	Post time.Duration
	// Comments は返信一覧取得のタイムアウト。
	Comments time.Duration
	// Write は書き込み系（投稿・返信・ブックマーク・通報）のタイムアウト。
	Write time.Duration
}

// DefaultTimeouts はデフォルトのタイムアウト設定を返す。
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Feed:     15 * time.Second,
		Post:     10 * time.Second,
		Comments: 25 * time.Second,
		Write:    15 * time.Second,
	}
}

// Client はプラットフォームAPIのRESTクライアント。
// 全リクエストにベアラートークンを付与し、送信前にレートリミッターで
// 上流への呼び出し頻度を抑制する。
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	sanitizer  Sanitizer
	limiter    *rate.Limiter
	metrics    MetricsRecorder
	logger     *slog.Logger
	timeouts   Timeouts
}

// NewClient はClientの新しいインスタンスを生成する。
// limiterとmetricsはnil可（nilの場合は無効化）。
func NewClient(
	baseURL string,
	httpClient *http.Client,
	tokens TokenSource,
	sanitizer Sanitizer,
	limiter *rate.Limiter,
	metrics MetricsRecorder,
	logger *slog.Logger,
	timeouts Timeouts,
) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     tokens,
		sanitizer:  sanitizer,
		limiter:    limiter,
		metrics:    metrics,
		logger:     logger,
		timeouts:   timeouts,
	}
}

// RecentPosts は最新フィードの1ページを取得する。
// GET /api/forum/posts/recent?limit=N&offset=M
func (c *Client) RecentPosts(ctx context.Context, limit, offset int) ([]model.PostSummary, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	body, err := c.do(ctx, http.MethodGet, "/api/forum/posts/recent?"+q.Encode(), nil, c.timeouts.Feed, readErrorFor(""))
	if err != nil {
		return nil, err
	}

	var rows []wirePost
	if err := decodeData(body, &rows); err != nil {
		return nil, model.NewNetworkError("フィードレスポンスの解析に失敗しました")
	}

	posts := make([]model.PostSummary, len(rows))
	for i, row := range rows {
		posts[i] = postFromWire(row, c.sanitizer.Sanitize)
	}
	return posts, nil
}

// Post は投稿を単体取得する。
// GET /api/forum/posts/{id}
func (c *Client) Post(ctx context.Context, postID string) (model.PostSummary, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/forum/posts/"+url.PathEscape(postID), nil, c.timeouts.Post, readErrorFor(postID))
	if err != nil {
		return model.PostSummary{}, err
	}

	var row wirePost
	if err := decodeData(body, &row); err != nil {
		return model.PostSummary{}, model.NewNetworkError("投稿レスポンスの解析に失敗しました")
	}
	return postFromWire(row, c.sanitizer.Sanitize), nil
}

// Replies は投稿への返信一覧を取得する。
// GET /api/forum/posts/{id}/replies
func (c *Client) Replies(ctx context.Context, postID string) ([]model.Comment, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/forum/posts/"+url.PathEscape(postID)+"/replies", nil, c.timeouts.Comments, readErrorFor(postID))
	if err != nil {
		return nil, err
	}

	var rows []wireComment
	if err := decodeData(body, &rows); err != nil {
		return nil, model.NewNetworkError("返信レスポンスの解析に失敗しました")
	}

	comments := make([]model.Comment, len(rows))
	for i, row := range rows {
		comments[i] = commentFromWire(row, c.sanitizer.Sanitize)
	}
	return comments, nil
}

// CreatePost は新規投稿を作成し、サーバー確定後の投稿を返す。
// POST /api/forum/posts
func (c *Client) CreatePost(ctx context.Context, body, category string, anonymous bool) (model.PostSummary, error) {
	req := map[string]any{
		"body":         body,
		"category":     category,
		"is_anonymous": anonymous,
	}
	respBody, err := c.do(ctx, http.MethodPost, "/api/forum/posts", req, c.timeouts.Write, writeErrorFor(""))
	if err != nil {
		return model.PostSummary{}, err
	}

	var row wirePost
	if err := decodeData(respBody, &row); err != nil {
		return model.PostSummary{}, model.NewNetworkError("投稿レスポンスの解析に失敗しました")
	}
	return postFromWire(row, c.sanitizer.Sanitize), nil
}

// CreateReply は投稿への返信を作成する。
// POST /api/forum/posts/{id}/replies
func (c *Client) CreateReply(ctx context.Context, postID, body string, anonymous bool) (model.Comment, error) {
	req := map[string]any{
		"body":         body,
		"is_anonymous": anonymous,
	}
	respBody, err := c.do(ctx, http.MethodPost, "/api/forum/posts/"+url.PathEscape(postID)+"/replies", req, c.timeouts.Write, writeErrorFor(postID))
	if err != nil {
		return model.Comment{}, err
	}

	var row wireComment
	if err := decodeData(respBody, &row); err != nil {
		return model.Comment{}, model.NewNetworkError("返信レスポンスの解析に失敗しました")
	}
	return commentFromWire(row, c.sanitizer.Sanitize), nil
}

// ToggleBookmark は投稿のブックマークをトグルし、トグル後の状態を返す。
// POST /api/forum/bookmarks/toggle
func (c *Client) ToggleBookmark(ctx context.Context, postID string) (bool, error) {
	req := map[string]any{"post_id": postID}
	respBody, err := c.do(ctx, http.MethodPost, "/api/forum/bookmarks/toggle", req, c.timeouts.Write, writeErrorFor(postID))
	if err != nil {
		return false, err
	}

	var result struct {
		Bookmarked bool `json:"bookmarked"`
	}
	if err := decodeData(respBody, &result); err != nil {
		return false, model.NewNetworkError("ブックマークレスポンスの解析に失敗しました")
	}
	return result.Bookmarked, nil
}

// Report は投稿またはコメントを通報する。
// POST /api/forum/reports
// 重複通報（409）はErrCodeAlreadyReportedとして区別して返す。
func (c *Client) Report(ctx context.Context, targetID, targetType, reason, reasonContext string) error {
	req := map[string]any{
		"target_id":      targetID,
		"target_type":    targetType,
		"reason":         reason,
		"reason_context": reasonContext,
	}
	_, err := c.do(ctx, http.MethodPost, "/api/forum/reports", req, c.timeouts.Write, writeErrorFor(targetID))
	return err
}

// errorClassifier は2xx以外のステータスコードをAPIErrorに変換する。
// 読み取り系と書き込み系で400系の解釈が異なるため分離する。
type errorClassifier func(statusCode int, respBody []byte) *model.APIError

// readErrorFor は読み取り系エンドポイントのエラー分類器を返す。
func readErrorFor(postID string) errorClassifier {
	return func(statusCode int, respBody []byte) *model.APIError {
		switch {
		case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
			return model.NewUnauthorizedError()
		case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
			return model.NewPostNotFoundError(postID)
		case statusCode >= 400 && statusCode < 500:
			return model.NewInvalidRequestError(messageFromBody(respBody))
		default:
			return model.NewUpstreamError(statusCode)
		}
	}
}

// writeErrorFor は書き込み系エンドポイントのエラー分類器を返す。
// 400/422はモデレーション・バリデーション拒否として扱い、
// 拒否理由をそのままインライン表示用に載せる。
func writeErrorFor(targetID string) errorClassifier {
	return func(statusCode int, respBody []byte) *model.APIError {
		switch {
		case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
			return model.NewUnauthorizedError()
		case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
			return model.NewPostNotFoundError(targetID)
		case statusCode == http.StatusConflict:
			return model.NewAlreadyReportedError()
		case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
			return model.NewModerationRejectedError(messageFromBody(respBody))
		default:
			return model.NewUpstreamError(statusCode)
		}
	}
}

// do はHTTPリクエストを実行し、成功時はレスポンスボディを返す。
// エンドポイントごとのタイムアウトを適用し、トランスポートエラーを分類する。
func (c *Client) do(ctx context.Context, method, path string, reqBody any, timeout time.Duration, classify errorClassifier) ([]byte, error) {
	// 上流への呼び出し頻度を抑制する
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.transportError(ctx, err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.tokens.Token())
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		classified := c.transportError(ctx, err)
		if !errors.Is(classified, ErrSuperseded) {
			c.logger.Error("上流APIの呼び出しに失敗しました",
				slog.String("method", method),
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
		return nil, classified
	}
	defer resp.Body.Close()

	if c.metrics != nil {
		c.metrics.RecordUpstreamRequest(path, resp.StatusCode, duration)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, c.transportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := classify(resp.StatusCode, respBody)
		c.logger.Warn("上流APIがエラーステータスを返しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", apiErr.Code),
		)
		return nil, apiErr
	}

	return respBody, nil
}

// transportError はトランスポート層のエラーを分類する。
//   - 親コンテキストのキャンセル: 新しいリクエストによる追い越し（無言のno-op）
//   - デッドライン超過・ネットワークタイムアウト: タイムアウトエラー
//   - それ以外: ネットワークエラー
func (c *Client) transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrSuperseded
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewTimeoutError()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.NewTimeoutError()
	}
	return model.NewNetworkError(err.Error())
}

// decodeData はレスポンスボディを寛容にデコードする。
// { "data": ... } のエンベロープ形と裸の形の両方を受け付ける。
func decodeData(respBody []byte, v any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err == nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, v)
	}
	return json.Unmarshal(respBody, v)
}

// messageFromBody はエラーレスポンスからユーザー向けメッセージを抽出する。
// { "error": "..." } と { "message": "..." } の両方の形を受け付ける。
func messageFromBody(respBody []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(respBody, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return "サーバーに拒否されました"
}
