package consumer

import "fmt"

// MalformedError reports a message body that is not valid JSON.
// Like event.ValidationError it is never retried.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed message: %v", e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}
