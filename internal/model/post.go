// Package model はドメインモデルを定義する。
package model

import "time"

// Author は投稿者の表示用情報を表す。
// 匿名投稿の場合はIsAnonymous=trueとなり、表示名等は匿名化済みの値が入る。
type Author struct {
	ID          string
	DisplayName string
	Handle      string
	AvatarURL   string
	IsLawyer    bool
}

// PostSummary はフィード一覧に表示される投稿のサマリーを表す。
// リストキャッシュが保持する単位であり、フィード取得成功のたびに丸ごと差し替えられる。
// ブックマークトグル時のみIsBookmarkedがインプレースで更新される。
type PostSummary struct {
	ID           string
	Author       Author
	Category     string
	Body         string
	CommentCount int
	IsBookmarked bool
	IsAnonymous  bool
	IsFlagged    bool
	CreatedAt    time.Time
}

// PostDetail は投稿詳細を表す。
// PostSummaryに加えてコメント列と読み込み状態を保持する。
// CommentsLoaded=falseのエントリはリストキャッシュからの昇格で生成された
// スケルトンであり、バックグラウンドのコメント取得を1回だけトリガーする。
type PostDetail struct {
	PostSummary
	Comments          []Comment
	CommentsLoaded    bool
	CommentsFetchedAt time.Time
}

// Comment は投稿への返信を表す。
// 匿名コメントの場合はAuthorがnilになる。
type Comment struct {
	ID        string
	Body      string
	Author    *Author
	IsFlagged bool
	CreatedAt time.Time
}
