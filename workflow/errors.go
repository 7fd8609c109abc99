package workflow

import "errors"

var (
	ErrUnknownFunction = errors.New("unknown function")
	ErrNoFunction      = errors.New("no function is triggered by event")
	ErrRunNotFound     = errors.New("run not found")
)

type nonRetriableError struct {
	err error
}

func (e *nonRetriableError) Error() string {
	return e.err.Error()
}

func (e *nonRetriableError) Unwrap() error {
	return e.err
}

// NonRetriable を返したランは残り回数に関わらず終了する
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetriableError{err: err}
}

func IsNonRetriable(err error) bool {
	var e *nonRetriableError
	return errors.As(err, &e)
}
