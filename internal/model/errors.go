// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, network, forum, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNetworkError       = "NETWORK_ERROR"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodePostNotFound       = "POST_NOT_FOUND"
	ErrCodeModerationRejected = "MODERATION_REJECTED"
	ErrCodeAlreadyReported    = "ALREADY_REPORTED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeUpstreamError      = "UPSTREAM_ERROR"
)

// NewNetworkError はネットワークエラーを生成する。
// リトライ可能な一時的エラーであり、表示中のデータは維持される。
func NewNetworkError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeNetworkError,
		Message:  fmt.Sprintf("通信に失敗しました: %s", reason),
		Category: "network",
		Action:   "通信環境を確認し、しばらく待ってから再度お試しください。",
	}
}

// NewTimeoutError はタイムアウトエラーを生成する。
func NewTimeoutError() *APIError {
	return &APIError{
		Code:     ErrCodeTimeout,
		Message:  "リクエストがタイムアウトしました。",
		Category: "network",
		Action:   "通信環境を確認し、再度お試しください。",
	}
}

// NewUnauthorizedError は認証エラー（403）を生成する。
// フィードをクリアし、再ログインを促す。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "セッションが無効です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewPostNotFoundError は投稿未検出エラー（404）を生成する。
// 詳細表示に対して終端的なエラーであり、リトライは提供されない。
func NewPostNotFoundError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された投稿が見つかりません: %s", postID),
		Category: "forum",
		Action:   "投稿は削除された可能性があります。",
	}
}

// NewModerationRejectedError はモデレーションによる投稿拒否エラーを生成する。
// 入力テキストは修正用に保持される。
func NewModerationRejectedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeModerationRejected,
		Message:  fmt.Sprintf("投稿内容が受け付けられませんでした: %s", reason),
		Category: "validation",
		Action:   "内容を修正して再度投稿してください。",
	}
}

// NewAlreadyReportedError は重複通報エラーを生成する。
// 一般エラーではなく情報提示として扱う。
func NewAlreadyReportedError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyReported,
		Message:  "この投稿はすでに通報済みです。",
		Category: "forum",
		Action:   "通報は1投稿につき1回までです。",
	}
}

// NewInvalidRequestError は不正リクエストエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUpstreamError はプラットフォームAPIの予期しないエラーを生成する。
func NewUpstreamError(status int) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamError,
		Message:  fmt.Sprintf("サーバーがエラーを返しました（ステータス %d）。", status),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
