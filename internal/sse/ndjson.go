package sse

import (
	"bufio"
	"bytes"
	"io"
)

// ScanNDJSON iterates newline-delimited JSON lines from r, trimming a
// leading "data:" prefix if present (some providers wrap NDJSON events the
// same way they wrap SSE) and locating the first '{' so stray prefixes
// before the JSON object are ignored (§4.7 step 3).
func ScanNDJSON(r io.Reader, yield func(line []byte) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			line = bytes.TrimSpace(rest)
		}
		idx := bytes.IndexByte(line, '{')
		if idx < 0 {
			continue
		}
		if !yield(line[idx:]) {
			break
		}
	}
	return scanner.Err()
}

// LastBalancedJSON scans buf from the end for the last balanced {...} object
// by a bracket-depth walk, the final fallback §4.7 step 3 describes when
// neither whole-body parse nor line-scanning finds a JSON object. It does
// not attempt string-literal awareness -- braces inside quoted strings are
// rare in the token/model fields this fallback targets, and the goal is a
// best-effort, panic-free scan, not a full JSON tokenizer.
func LastBalancedJSON(buf []byte) ([]byte, bool) {
	depth := 0
	end := -1
	for i := len(buf) - 1; i >= 0; i-- {
		switch buf[i] {
		case '}':
			if depth == 0 {
				end = i
			}
			depth++
		case '{':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && end >= 0 {
				return buf[i : end+1], true
			}
		}
	}
	return nil, false
}
