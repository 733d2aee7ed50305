package api

import (
	"bufio"
	"bytes"
	"os"
	"strings"
)

const tailBlockSize = 8192

// readLastLines returns up to n trailing lines of the file, reading
// blocks backwards from the end. Missing files read as no lines.
func readLastLines(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil
	}
	pos := st.Size()
	var data []byte
	for pos > 0 && bytes.Count(data, []byte{'\n'}) <= n {
		readSize := int64(tailBlockSize)
		if pos < readSize {
			readSize = pos
		}
		pos -= readSize
		block := make([]byte, readSize)
		if _, err := f.ReadAt(block, pos); err != nil {
			return nil
		}
		data = append(block, data...)
	}

	raw := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(raw) > n {
		raw = raw[len(raw)-n:]
	}
	var lines []string
	for _, line := range raw {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// readNewLines returns complete lines starting at the byte offset and
// the offset just past the last consumed line. A trailing fragment
// without a newline is left for the next poll so a writer mid-append
// never yields a torn line. Truncation resets the cursor to zero.
// limit <= 0 means no line cap.
func readNewLines(path string, offset int64, limit int) ([]string, int64) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, offset
	}
	if offset > st.Size() {
		offset = 0
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset
	}

	r := bufio.NewReader(f)
	var lines []string
	next := offset
	for limit <= 0 || len(lines) < limit {
		line, err := r.ReadString('\n')
		if err != nil {
			break
		}
		next += int64(len(line))
		line = strings.TrimRight(line, "\n")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, next
}
