package content

import (
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday/v2"
)

// 本文として十分とみなす最小文字数
const MinContentLength = 80

var (
	strictPolicy = bluemonday.StrictPolicy()
	bareURL      = regexp.MustCompile(`https?://\S+`)
	readMore     = regexp.MustCompile(`(?i)(\.\.\.|…|\[\s*\.\.\.\s*\]|read more|continue reading)\s*$`)
)

// PlainText はMarkdown/HTMLの本文をリンクを除いたプレーンテキストにする
func PlainText(s string) string {
	rendered := blackfriday.Run([]byte(s), blackfriday.WithExtensions(blackfriday.CommonExtensions|blackfriday.HardLineBreak))
	text := html.UnescapeString(strictPolicy.Sanitize(string(rendered)))
	text = bareURL.ReplaceAllString(text, "")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// Insufficient は要約に使うには本文が足りないかを判定する
func Insufficient(raw, link string) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return true
	}
	if link != "" && sameURL(trimmed, link) {
		return true
	}
	text := PlainText(trimmed)
	if text == "" {
		return true
	}
	if readMore.MatchString(text) {
		return true
	}
	return len([]rune(text)) < MinContentLength
}

func sameURL(a, b string) bool {
	ua, err := url.Parse(strings.TrimSpace(a))
	if err != nil || ua.Host == "" {
		return false
	}
	ub, err := url.Parse(strings.TrimSpace(b))
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host) && strings.TrimSuffix(ua.Path, "/") == strings.TrimSuffix(ub.Path, "/")
}
