// Package security はアプリケーションのセキュリティ機能を提供する。
//
// BodySanitizerService はプラットフォームAPIから受け取る投稿・コメント本文を
// サニタイズし、UIシェルのWebViewに到達する前にXSSリスクを除去する。
// フォーラム本文はプレーンテキストが前提のため、bluemondayの
// 許可リストベースのポリシーで全HTMLタグを除去する。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// BodySanitizerService は本文サニタイズ機能のインターフェースを定義する。
// ワイヤ行からドメインエンティティへのマッピング時に使用される。
type BodySanitizerService interface {
	// Sanitize は本文から全HTMLタグを除去したプレーンテキストを返す。
	// script, iframe, styleタグおよびon*イベント属性を含むあらゆるマークアップが
	// 除去される。空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// bodySanitizer はBodySanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type bodySanitizer struct {
	policy *bluemonday.Policy
}

// NewBodySanitizer はBodySanitizerServiceの新しいインスタンスを生成する。
// StrictPolicyは許可タグを一切持たないため、全マークアップが除去され
// テキストコンテンツのみが残る。
func NewBodySanitizer() *bodySanitizer {
	return &bodySanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は本文から全HTMLタグを除去したプレーンテキストを返す。
// 前後の空白も除去する。
func (s *bodySanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(s.policy.Sanitize(raw))
}
