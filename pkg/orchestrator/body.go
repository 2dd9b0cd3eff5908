package orchestrator

import (
	"bytes"
	"io"
	"sync"
)

// maxCaptureBytes caps how much of a response body the storage copy may
// buffer. Assets past this size are served but never persisted.
const maxCaptureBytes = 256 << 20

// captureBody duplicates a response body without delaying the response
// path: the client drains the original stream while a copy accumulates
// in memory, and done fires exactly once when the stream is exhausted
// or abandoned. complete is false when the client closed early or the
// body outgrew the capture cap, in which case the bytes must not be
// stored.
type captureBody struct {
	src  io.ReadCloser
	done func(data []byte, complete bool)

	mu       sync.Mutex
	buf      bytes.Buffer
	overflow bool
	eof      bool
	fired    bool
}

func newCaptureBody(src io.ReadCloser, done func(data []byte, complete bool)) *captureBody {
	return &captureBody{src: src, done: done}
}

// Read implements io.Reader.
func (c *captureBody) Read(p []byte) (int, error) {
	n, err := c.src.Read(p)

	c.mu.Lock()
	if n > 0 && !c.overflow {
		if c.buf.Len()+n > maxCaptureBytes {
			c.overflow = true
			c.buf.Reset()
		} else {
			c.buf.Write(p[:n])
		}
	}
	if err == io.EOF {
		c.eof = true
		c.fireLocked()
	}
	c.mu.Unlock()

	return n, err
}

// Close implements io.Closer. Closing before EOF marks the capture
// incomplete.
func (c *captureBody) Close() error {
	c.mu.Lock()
	c.fireLocked()
	c.mu.Unlock()
	return c.src.Close()
}

// fireLocked invokes done once. Callers hold c.mu.
func (c *captureBody) fireLocked() {
	if c.fired {
		return
	}
	c.fired = true

	complete := c.eof && !c.overflow
	var data []byte
	if complete {
		data = c.buf.Bytes()
	}

	// done may be slow (it schedules the store); release it from the
	// read path.
	go c.done(data, complete)
}
