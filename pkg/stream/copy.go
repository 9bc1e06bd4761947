package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrCallerGone reports that writing to the caller failed, usually because
// the client disconnected.
var ErrCallerGone = errors.New("caller disconnected")

const chunkSize = 32 * 1024

// Copy is the single reader of src. Each chunk is written to dst first,
// flushed when dst is an http.Flusher, and only then handed to acc, so
// decoding never delays the caller. Copy closes acc before returning; acc
// keeps whatever was read even when Copy fails.
func Copy(dst io.Writer, src io.Reader, acc *Accumulator) (int64, error) {
	defer acc.Close()

	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, chunkSize)
	var written int64

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			wn, werr := dst.Write(chunk)
			written += int64(wn)
			if werr == nil && wn < n {
				werr = io.ErrShortWrite
			}
			if werr == nil && flusher != nil {
				flusher.Flush()
			}

			acc.Write(chunk)

			if werr != nil {
				return written, fmt.Errorf("%w: %v", ErrCallerGone, werr)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read upstream stream: %w", rerr)
		}
	}
}
