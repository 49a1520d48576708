package upstream

import (
	"time"

	"github.com/takumi/forumedge/internal/model"
)

// wireUser はプラットフォームAPIのユーザー行を表す。
type wireUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
	AvatarURL   string `json:"avatar_url"`
	IsLawyer    bool   `json:"is_lawyer"`
}

// wirePost はプラットフォームAPIの投稿行を表す。
// 一覧・単体取得・作成レスポンスで共通の形。
type wirePost struct {
	ID           string    `json:"id"`
	Body         string    `json:"body"`
	Category     string    `json:"category"`
	UserID       string    `json:"user_id"`
	User         *wireUser `json:"user"`
	ReplyCount   int       `json:"reply_count"`
	IsBookmarked bool      `json:"is_bookmarked"`
	IsAnonymous  bool      `json:"is_anonymous"`
	IsFlagged    bool      `json:"is_flagged"`
	CreatedAt    string    `json:"created_at"`
}

// wireComment はプラットフォームAPIの返信行を表す。
// 匿名返信の場合userはnullになる。
type wireComment struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	User      *wireUser `json:"user"`
	IsFlagged bool      `json:"is_flagged"`
	CreatedAt string    `json:"created_at"`
}

// parseWireTime はAPIのタイムスタンプ文字列をパースする。
// RFC3339（小数秒付き含む）を基本とし、タイムゾーンなしの形式にもフォールバックする。
// パース不能な場合はゼロ値を返す（タイムスタンプ欠落は致命的ではない）。
func parseWireTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

// authorFromWire はワイヤのユーザー行をAuthorに変換する。
func authorFromWire(u *wireUser, userID string) model.Author {
	if u == nil {
		return model.Author{ID: userID}
	}
	return model.Author{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Handle:      u.Username,
		AvatarURL:   u.AvatarURL,
		IsLawyer:    u.IsLawyer,
	}
}

// postFromWire はワイヤの投稿行をPostSummaryに変換する。
// ワイヤ形からドメインエンティティへの変換はここに集約し、
// ローダー側での場当たり的なマッピングを行わない。
// 本文はサニタイズ済みの状態でドメインに入る。
func postFromWire(w wirePost, sanitize func(string) string) model.PostSummary {
	return model.PostSummary{
		ID:           w.ID,
		Author:       authorFromWire(w.User, w.UserID),
		Category:     w.Category,
		Body:         sanitize(w.Body),
		CommentCount: w.ReplyCount,
		IsBookmarked: w.IsBookmarked,
		IsAnonymous:  w.IsAnonymous,
		IsFlagged:    w.IsFlagged,
		CreatedAt:    parseWireTime(w.CreatedAt),
	}
}

// commentFromWire はワイヤの返信行をCommentに変換する。
// 匿名返信（user=null）の場合はAuthorをnilのままにする。
func commentFromWire(w wireComment, sanitize func(string) string) model.Comment {
	var author *model.Author
	if w.User != nil {
		a := authorFromWire(w.User, "")
		author = &a
	}
	return model.Comment{
		ID:        w.ID,
		Body:      sanitize(w.Body),
		Author:    author,
		IsFlagged: w.IsFlagged,
		CreatedAt: parseWireTime(w.CreatedAt),
	}
}
