package pipeline

import (
	"errors"
	"fmt"
)

var ErrNothingToSummarize = errors.New("event has no raw description")

type SummaryErrorKind string

const (
	// 呼び出し自体の失敗
	SummaryErrorProvider SummaryErrorKind = "provider"
	// JSONとして読めない応答
	SummaryErrorMalformed SummaryErrorKind = "malformed"
	// JSONだが値が契約に合わない応答
	SummaryErrorSchema SummaryErrorKind = "schema"
)

type SummaryError struct {
	Kind    SummaryErrorKind
	EventID string
	Raw     string
	Err     error
}

func (e *SummaryError) Error() string {
	return fmt.Sprintf("summarize event %s: %s: %v", e.EventID, e.Kind, e.Err)
}

func (e *SummaryError) Unwrap() error {
	return e.Err
}

// SummaryErrorKindOf はSummaryErrorでなければ空文字を返す
func SummaryErrorKindOf(err error) SummaryErrorKind {
	var se *SummaryError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
