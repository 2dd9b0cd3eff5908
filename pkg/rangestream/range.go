// Package rangestream implements RFC 7233 byte-range serving: parsing
// Range headers against a known total size and converting full-body
// responses into correctly streamed 206 partial responses.
package rangestream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Errors returned by ParseRange.
var (
	// ErrNotByteRange indicates the header is absent or does not use the
	// bytes unit. Callers serve the full response unchanged.
	ErrNotByteRange = errors.New("not a bytes range")

	// ErrMalformed indicates the header uses the bytes unit but cannot be
	// parsed. Callers answer 416.
	ErrMalformed = errors.New("malformed range header")

	// ErrUnsatisfiable indicates a well-formed interval that cannot be
	// served against the resource's actual size. Callers answer 416.
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// ByteRange is a closed byte interval within a resource of known size.
// Invariant: 0 <= Start <= End < Total.
type ByteRange struct {
	Start int64
	End   int64
	Total int64
}

// Length returns the number of bytes in the interval.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange returns the Content-Range header value for the interval.
func (r ByteRange) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Total)
}

// String implements fmt.Stringer for log fields.
func (r ByteRange) String() string {
	return fmt.Sprintf("%d-%d/%d", r.Start, r.End, r.Total)
}

// ParseRange parses a Range header value against a known total size.
// Only single-interval specs are supported; an interval outside
// [0, total) is rejected as unsatisfiable, not clamped.
func ParseRange(header string, total int64) (ByteRange, error) {
	spec := strings.TrimSpace(header)
	if spec == "" {
		return ByteRange{}, ErrNotByteRange
	}

	const unit = "bytes="
	if !strings.HasPrefix(spec, unit) {
		return ByteRange{}, ErrNotByteRange
	}
	spec = spec[len(unit):]

	if total <= 0 {
		return ByteRange{}, ErrUnsatisfiable
	}
	if strings.Contains(spec, ",") {
		// Multi-interval requests are not supported.
		return ByteRange{}, ErrMalformed
	}

	dash := strings.Index(spec, "-")
	if dash < 0 {
		return ByteRange{}, ErrMalformed
	}

	startStr := strings.TrimSpace(spec[:dash])
	endStr := strings.TrimSpace(spec[dash+1:])

	// Suffix form: bytes=-n means the final n bytes.
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, ErrMalformed
		}
		if n > total {
			return ByteRange{}, ErrUnsatisfiable
		}
		return ByteRange{Start: total - n, End: total - 1, Total: total}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, ErrMalformed
	}
	if start >= total {
		return ByteRange{}, ErrUnsatisfiable
	}

	// Open form: bytes=a- runs to the end of the resource.
	if endStr == "" {
		return ByteRange{Start: start, End: total - 1, Total: total}, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return ByteRange{}, ErrMalformed
	}
	if end < start {
		return ByteRange{}, ErrMalformed
	}
	if end >= total {
		return ByteRange{}, ErrUnsatisfiable
	}

	return ByteRange{Start: start, End: end, Total: total}, nil
}
