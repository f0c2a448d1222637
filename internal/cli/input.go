package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// maxLineSize bounds a single JSONL record.
const maxLineSize = 16 << 20

// caseLine is one record of a JSONL case file.
type caseLine struct {
	Line int
	Raw  json.RawMessage
}

// readCaseLines reads a JSONL file of enriched cases. Blank lines are skipped.
// A line that is not a JSON object is an error naming the line.
func readCaseLines(r io.Reader) ([]caseLine, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var lines []caseLine
	n := 0
	for scanner.Scan() {
		n++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		if text[0] != '{' || !json.Valid(text) {
			return nil, fmt.Errorf("line %d: not a JSON object", n)
		}
		lines = append(lines, caseLine{Line: n, Raw: append(json.RawMessage(nil), text...)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cases: %w", err)
	}
	return lines, nil
}

// openInput opens path for reading; "-" is stdin.
func openInput(path string, stdin io.Reader) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", path, err)
	}
	return f, nil
}

// createOutput creates path for writing; "-" or "" is stdout.
func createOutput(path string, stdout io.Writer) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopWriteCloser{stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %q: %w", path, err)
	}
	return f, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
