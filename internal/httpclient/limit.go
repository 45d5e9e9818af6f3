package httpclient

import (
	"errors"
	"fmt"
	"io"
)

// DefaultErrorBodyLimit bounds how much of a failed upstream response is read
// into an error message.
const DefaultErrorBodyLimit int64 = 8 << 10

// ResponseTooLargeError reports that the response body exceeded the limit.
type ResponseTooLargeError struct {
	Limit int64
}

func (e ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeded limit of %d bytes", e.Limit)
}

// IsResponseTooLarge reports whether the error indicates a response limit violation.
func IsResponseTooLarge(err error) bool {
	var limitErr ResponseTooLargeError
	return errors.As(err, &limitErr)
}

// ReadAllWithLimit reads r up to limit bytes. A limit <= 0 reads everything.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(&io.LimitedReader{R: r, N: limit + 1})
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ResponseTooLargeError{Limit: limit}
	}
	return data, nil
}

// ReadErrorBody returns at most DefaultErrorBodyLimit bytes of r for error
// reporting, truncating instead of failing.
func ReadErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, DefaultErrorBodyLimit))
	return string(data)
}
