package listener

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrLineTooLong is returned for a line longer than the reader limit.
// The rest of the line is discarded so the next read starts on a fresh line.
var ErrLineTooLong = errors.New("line exceeds limit")

// ReadLineLimited reads one line of at most limit bytes, counting the
// terminator, and returns it without the trailing "\r\n" or "\n".
// A final line without a newline is returned at EOF.
func ReadLineLimited(br *bufio.Reader, limit int) ([]byte, error) {
	var buf []byte

	for {
		chunk, err := br.ReadSlice('\n')

		if len(buf)+len(chunk) > limit {
			// Drain the remainder of the oversized line.
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = br.ReadSlice('\n')
			}
			return nil, ErrLineTooLong
		}
		buf = append(buf, chunk...)

		switch {
		case err == nil:
			return bytes.TrimRight(buf, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(buf) > 0:
			return bytes.TrimRight(buf, "\r\n"), nil
		default:
			return nil, err
		}
	}
}

// SplitDatagram breaks a datagram into its newline-delimited records,
// trimming a trailing "\r" and skipping blank lines. The returned slices
// are copies and stay valid after p is reused.
func SplitDatagram(p []byte) [][]byte {
	var out [][]byte
	for len(p) > 0 {
		var line []byte
		if i := bytes.IndexByte(p, '\n'); i >= 0 {
			line, p = p[:i], p[i+1:]
		} else {
			line, p = p, nil
		}
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out = append(out, bytes.Clone(line))
	}
	return out
}
