package rangestream

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	// SegmentSize is the maximum size of a single output write. Large
	// overlapping chunks are forwarded in segments of this size to bound
	// memory pressure under concurrent requests.
	SegmentSize = 256 * 1024

	// readBufferSize is the source read buffer size.
	readBufferSize = 64 * 1024

	// minSegmentTimeout is the floor for the per-segment write deadline.
	minSegmentTimeout = 2 * time.Second

	// segmentFloorRate is the byte rate used to scale the per-segment
	// write deadline: a segment gets max(2s, bytes/128000) seconds.
	segmentFloorRate = 128_000
)

// ErrSegmentTimeout indicates a destination write exceeded its adaptive
// deadline. The stream is aborted, not retried.
var ErrSegmentTimeout = errors.New("segment write timed out")

// Engine converts full response bodies into streamed partial-content
// responses.
type Engine struct {
	logger zerolog.Logger
}

// NewEngine creates a range stream engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Stream builds a 206 response delivering exactly the bytes br selects
// from body. The response is returned immediately; the body is produced
// by a background goroutine reading the source incrementally, so the
// whole asset is never held in memory. Body production outlives this
// call; hosts that tear down execution with the triggering request must
// extend its lifetime explicitly.
//
// If body is also an io.Closer, the producer closes it once streaming
// finishes or aborts; sources backed by network connections are not
// left open.
func (e *Engine) Stream(body io.Reader, br ByteRange) *http.Response {
	header := http.Header{}
	header.Set("Content-Range", br.ContentRange())
	header.Set("Content-Length", strconv.FormatInt(br.Length(), 10))
	header.Set("Accept-Ranges", "bytes")

	pr, pw := io.Pipe()

	resp := &http.Response{
		Status:        "206 Partial Content",
		StatusCode:    http.StatusPartialContent,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          pr,
		ContentLength: br.Length(),
	}

	go e.produce(body, br, pw)

	return resp
}

// produce is the stream's producer loop: read source chunks, intersect
// each with the requested interval, forward the overlap. Bytes before
// Start are read and discarded; bytes after End are never requested from
// the source.
func (e *Engine) produce(body io.Reader, br ByteRange, pw *io.PipeWriter) {
	defer func() {
		if c, ok := body.(io.Closer); ok {
			c.Close()
		}
	}()

	buf := make([]byte, readBufferSize)
	offset := int64(0)

	for offset <= br.End {
		readLen := int64(len(buf))
		if remaining := br.End + 1 - offset; remaining < readLen {
			readLen = remaining
		}

		n, err := body.Read(buf[:readLen])
		if n > 0 {
			lo := offset
			if lo < br.Start {
				lo = br.Start
			}
			hi := offset + int64(n) - 1
			if hi > br.End {
				hi = br.End
			}
			if lo <= hi {
				// Zero-copy view into the read buffer. Pipe writes block
				// until consumed, so reusing buf afterwards is safe.
				view := buf[lo-offset : hi-offset+1]
				if werr := e.writeSegments(pw, view); werr != nil {
					e.logger.Error().
						Err(werr).
						Str("range", br.String()).
						Int64("offset", offset).
						Msg("Stream aborted")
					pw.CloseWithError(werr)
					return
				}
			}
			offset += int64(n)
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			StreamAborts.WithLabelValues("read").Inc()
			e.logger.Warn().
				Err(err).
				Str("range", br.String()).
				Int64("offset", offset).
				Msg("Source read failed")
			pw.CloseWithError(err)
			return
		}
	}

	pw.Close()
}

// writeSegments forwards view to the destination in SegmentSize pieces,
// each under its adaptive deadline.
func (e *Engine) writeSegments(pw *io.PipeWriter, view []byte) error {
	for len(view) > 0 {
		seg := view
		if len(seg) > SegmentSize {
			seg = view[:SegmentSize]
		}
		if err := writeWithTimeout(pw, seg); err != nil {
			return err
		}
		StreamBytes.Add(float64(len(seg)))
		view = view[len(seg):]
	}
	return nil
}

// segmentTimeout returns the adaptive deadline for writing n bytes.
func segmentTimeout(n int) time.Duration {
	d := time.Duration(n) * time.Second / segmentFloorRate
	if d < minSegmentTimeout {
		d = minSegmentTimeout
	}
	return d
}

// writeWithTimeout writes one segment, aborting the pipe if the consumer
// does not accept it within the deadline. Closing the pipe unblocks the
// pending write, so the helper goroutine always terminates.
func writeWithTimeout(pw *io.PipeWriter, seg []byte) error {
	timer := time.NewTimer(segmentTimeout(len(seg)))
	defer timer.Stop()

	done := make(chan error, 1)
	go func() {
		_, err := pw.Write(seg)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			StreamAborts.WithLabelValues("write").Inc()
		}
		return err
	case <-timer.C:
		StreamAborts.WithLabelValues("timeout").Inc()
		pw.CloseWithError(ErrSegmentTimeout)
		<-done
		return ErrSegmentTimeout
	}
}

// HandleRangeRequest applies a Range header to a full-body response:
//
//   - no header, or not a bytes range: resp is returned unchanged
//   - already partial content with a Content-Range: resp is returned
//     unchanged
//   - unknown total size: resp is returned unchanged
//   - malformed or unsatisfiable interval: a 416 with
//     "Content-Range: bytes */{total}" replaces resp
//   - otherwise a streamed 206 replaces resp
func (e *Engine) HandleRangeRequest(resp *http.Response, rangeHeader string) *http.Response {
	if resp == nil {
		return nil
	}

	// A source that resolved the range itself answers with a 206 whose
	// Content-Length is the interval, not the resource, so the header
	// must not be revalidated against it.
	if resp.StatusCode == http.StatusPartialContent && resp.Header.Get("Content-Range") != "" {
		if rangeHeader != "" {
			RangeRequests.WithLabelValues("passthrough").Inc()
		}
		return resp
	}

	total := responseTotalSize(resp)

	br, err := ParseRange(rangeHeader, total)
	switch {
	case errors.Is(err, ErrNotByteRange):
		if rangeHeader != "" {
			RangeRequests.WithLabelValues("passthrough").Inc()
		}
		return resp
	case err != nil && total <= 0:
		// Range present but the size is unknown; nothing to validate
		// against, serve the full body.
		RangeRequests.WithLabelValues("passthrough").Inc()
		return resp
	case err != nil:
		RangeRequests.WithLabelValues("unsatisfiable").Inc()
		e.logger.Debug().
			Err(err).
			Str("range_header", rangeHeader).
			Int64("total", total).
			Msg("Unsatisfiable range")
		resp.Body.Close()
		return Unsatisfiable(total)
	}

	RangeRequests.WithLabelValues("served").Inc()

	out := e.Stream(resp.Body, br)
	copyMissingHeaders(out.Header, resp.Header)
	return out
}

// Unsatisfiable builds the 416 response for a range that cannot be
// served against a resource of the given size.
func Unsatisfiable(total int64) *http.Response {
	header := http.Header{}
	header.Set("Content-Range", "bytes */"+strconv.FormatInt(total, 10))
	header.Set("Accept-Ranges", "bytes")

	return &http.Response{
		Status:        "416 Range Not Satisfiable",
		StatusCode:    http.StatusRequestedRangeNotSatisfiable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          http.NoBody,
		ContentLength: 0,
	}
}

// responseTotalSize extracts the full resource size from a response.
func responseTotalSize(resp *http.Response) int64 {
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// copyMissingHeaders carries entity headers from the source response
// onto the partial response without touching the range headers the
// stream already set. Presence is preserved: a header set to an empty
// value still copies.
func copyMissingHeaders(dst, src http.Header) {
	for key, values := range src {
		switch key {
		case "Content-Length", "Content-Range", "Accept-Ranges":
			continue
		}
		if _, exists := dst[key]; exists {
			continue
		}
		dst[key] = append([]string(nil), values...)
	}
}
