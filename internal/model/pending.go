package model

import "time"

// PendingPost はサーバー確認前にローカル生成された楽観的投稿を表す。
// 一時IDはクライアント側で生成され、サーバー確認後は確認済み投稿がこれを置き換える。
// キャッシュ層には保存されず、タイムラインの合成時のみに使用される。
type PendingPost struct {
	TempID      string
	Body        string
	Category    string
	IsAnonymous bool
	SubmittedAt time.Time
}

// FailedSubmission は送信に失敗した投稿の入力内容を表す。
// ユーザーが再入力せずにリトライできるよう、元のテキストを保持する。
// 自動リトライは行わない。
type FailedSubmission struct {
	Body        string
	Category    string
	IsAnonymous bool
	FailedAt    time.Time
	Reason      *APIError
}
