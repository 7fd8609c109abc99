package repository

import (
	"fmt"
	"os"
	"strconv"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// 要約対象の本文に割り当てるトークン数の既定値
	DefaultMaxInputTokens = 12000
)

// GetMaxInputTokens は環境変数または設定値からトークン制限を取得
func GetMaxInputTokens(configured int) int {
	if envMaxTokens := os.Getenv("MAX_TOKENS"); envMaxTokens != "" {
		if maxTokens, err := strconv.Atoi(envMaxTokens); err == nil && maxTokens > 0 {
			return maxTokens
		}
	}
	if configured > 0 {
		return configured
	}
	return DefaultMaxInputTokens
}

// トークン計算ユーティリティ
type TokenCalculator struct {
	encoder *tiktoken.Tiktoken
}

// 新しいトークン計算機を作成
func NewTokenCalculator() (*TokenCalculator, error) {
	encoder, err := tiktoken.EncodingForModel("gpt-4")
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding for GPT-4: %w", err)
	}

	return &TokenCalculator{
		encoder: encoder,
	}, nil
}

// テキストのトークン数を計算
func (tc *TokenCalculator) CountTokens(text string) int {
	if tc == nil || tc.encoder == nil {
		// フォールバック: 文字数 / 4 (おおよその見積もり)
		return len(text) / 4
	}

	tokens := tc.encoder.Encode(text, nil, nil)
	return len(tokens)
}

// Truncate はmaxTokensに収まるよう末尾を切り詰める
func (tc *TokenCalculator) Truncate(text string, maxTokens int) (string, bool) {
	if maxTokens <= 0 || tc.CountTokens(text) <= maxTokens {
		return text, false
	}
	if tc == nil || tc.encoder == nil {
		limit := maxTokens * 4
		for limit > 0 && !utf8.RuneStart(text[limit]) {
			limit--
		}
		return text[:limit], true
	}
	tokens := tc.encoder.Encode(text, nil, nil)
	return tc.encoder.Decode(tokens[:maxTokens]), true
}
