// Package logtail implements the bounded tail read behind the logs(id, tail)
// operation of SPEC_FULL.md §5.5, bounding memory on arbitrarily large log
// files with armon/circbuf before splitting into lines.
package logtail

import (
	"bufio"
	"os"

	"github.com/armon/circbuf"
	"golang.org/x/xerrors"
)

// maxBufferedBytes caps how much of the tail of a log file we ever hold in
// memory while hunting for the last `tail` lines, independent of how large
// tail itself is.
const maxBufferedBytes = 4 << 20 // 4 MiB

// Result is the response shape of the logs() operation.
type Result struct {
	Lines     []string
	Truncated bool
}

// Tail returns the final `tail` lines of the file at path. If the file does
// not exist, it returns an empty, non-truncated Result rather than an error,
// per spec.
func Tail(path string, tail int) (Result, error) {
	if tail <= 0 {
		tail = 1
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, nil
		}
		return Result{}, xerrors.Errorf("open log: %w", err)
	}
	defer f.Close()

	buf, err := circbuf.NewBuffer(maxBufferedBytes)
	if err != nil {
		return Result{}, xerrors.Errorf("allocate tail buffer: %w", err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	totalLines := 0
	for scanner.Scan() {
		totalLines++
		if _, err := buf.Write(scanner.Bytes()); err != nil {
			return Result{}, xerrors.Errorf("buffer log line: %w", err)
		}
		if _, err := buf.Write([]byte{'\n'}); err != nil {
			return Result{}, xerrors.Errorf("buffer newline: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, xerrors.Errorf("scan log: %w", err)
	}

	lines := splitLines(buf.Bytes())
	truncated := totalLines > tail
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}

	return Result{Lines: lines, Truncated: truncated}, nil
}

func splitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var lines []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			lines = append(lines, string(b[start:i]))
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, string(b[start:]))
	}
	return lines
}
