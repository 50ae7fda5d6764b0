package kfmt

import "io"

// PrefixWriter wraps an io.Writer and emits Prefix at the start of every
// line written through it. A nil Sink sends the output to the early ring
// buffer.
type PrefixWriter struct {
	Sink   io.Writer
	Prefix []byte

	midLine bool
}

// Write forwards p to the sink, injecting the prefix after each newline. The
// returned count excludes the injected prefix bytes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		written, lineStart int
		sink               = w.Sink
	)
	if sink == nil {
		sink = &earlyBuf
	}

	for i := 0; i < len(p); i++ {
		if !w.midLine {
			sink.Write(w.Prefix)
			w.midLine = true
		}

		if p[i] != '\n' {
			continue
		}

		n, err := sink.Write(p[lineStart : i+1])
		written += n
		if err != nil {
			return written, err
		}
		lineStart = i + 1
		w.midLine = false
	}

	if lineStart < len(p) {
		n, err := sink.Write(p[lineStart:])
		written += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
