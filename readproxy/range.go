package readproxy

import (
	"fmt"
	"strconv"
	"strings"
)

// Range is a resolved, in-bounds byte span [Start, End] (inclusive).
type Range struct {
	Start, End int64
}

// Length returns the number of bytes the range covers.
func (r Range) Length() int64 {
	return r.End - r.Start + 1
}

// ErrInvalidRange is returned for any header that isn't exactly one of the
// three accepted forms, or that doesn't fit within size.
var ErrInvalidRange = fmt.Errorf("readproxy: invalid range")

// ParseRange accepts exactly one of "bytes=A-B", "bytes=A-", "bytes=-N" and
// resolves it against size, per spec.md §4.7.
func ParseRange(header string, size int64) (*Range, error) {
	if header == "" {
		return nil, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, ErrInvalidRange
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return nil, ErrInvalidRange
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return nil, ErrInvalidRange
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		// suffix form: bytes=-N
		if endStr == "" {
			return nil, ErrInvalidRange
		}
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, ErrInvalidRange
		}
		start := size - n
		if start < 0 {
			start = 0
		}
		if size == 0 {
			return nil, ErrInvalidRange
		}
		return &Range{Start: start, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, ErrInvalidRange
	}

	if endStr == "" {
		// open-ended form: bytes=A-
		if start >= size {
			return nil, ErrInvalidRange
		}
		return &Range{Start: start, End: size - 1}, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start || start >= size {
		return nil, ErrInvalidRange
	}
	if end >= size {
		end = size - 1
	}
	return &Range{Start: start, End: end}, nil
}
