package utils

import (
	"errors"
	"fmt"
	"io"
)

var ErrIOLimitReached = fmt.Errorf("read size limit reached")

// ReadAllLimit reads at most n bytes from r. If r holds more, the first n bytes
// are returned along with ErrIOLimitReached.
func ReadAllLimit(r io.Reader, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative read limit %d", n)
	}

	buf, err := io.ReadAll(io.LimitReader(r, int64(n)+1))
	if err != nil {
		return buf, err
	}
	if len(buf) > n {
		return buf[:n], fmt.Errorf("%w: more than %d bytes", ErrIOLimitReached, n)
	}
	return buf, nil
}

// CopyLimit copies up to `limit+1`, if it copies more than `limit`, it returns ErrIOLimitReached
func CopyLimit(dst io.Writer, src io.Reader, limit int64) (written int64, err error) {
	n, err := io.CopyN(dst, src, limit+1)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("copying: %w", err)
	}

	if n > limit {
		return n, fmt.Errorf("%w: more than %d bytes", ErrIOLimitReached, limit)
	}

	return n, nil
}
