package replaylog

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// MaxFrame caps a single framed message. Config pushes carry whole files,
// so the ceiling is generous.
const MaxFrame = 10 * 1024 * 1024

// WriteFrame writes p as a netstring, `<len>:<payload>,` plus a newline
// so segments stay greppable.
func WriteFrame(w io.Writer, p []byte) error {
	if _, err := fmt.Fprintf(w, "%d:%s,\n", len(p), p); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// ReadFrame reads one netstring frame of at most max bytes. A clean end
// of input returns io.EOF; anything malformed returns an error the
// caller treats as corruption.
func ReadFrame(r *bufio.Reader, max int) ([]byte, error) {
	head, err := r.ReadString(':')
	if err != nil {
		if err == io.EOF && head == "" {
			return nil, io.EOF
		}
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, trace.ConvertSystemError(err)
	}
	n, err := strconv.Atoi(strings.TrimSuffix(head, ":"))
	if err != nil {
		return nil, trace.BadParameter("malformed frame length %q", head)
	}
	if n < 0 || n > max {
		return nil, trace.LimitExceeded("frame length %v exceeds limit %v", n, max)
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, trace.ConvertSystemError(err)
	}
	delim, err := r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, trace.ConvertSystemError(err)
	}
	if delim != ',' {
		return nil, trace.BadParameter("frame missing terminator, got %q", delim)
	}
	// The newline is cosmetic, frames without one still parse.
	if b, err := r.Peek(1); err == nil && b[0] == '\n' {
		r.Discard(1)
	}
	return p, nil
}
