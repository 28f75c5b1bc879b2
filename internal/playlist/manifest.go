package playlist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"fetchq/internal/domain"
)

// ReadManifest parses one request per line. A line is either a JSON encoded
// request or a bare URL; blank lines and lines starting with # are ignored.
func ReadManifest(r io.Reader) ([]domain.Request, error) {
	var out []domain.Request
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if !strings.HasPrefix(text, "{") {
			out = append(out, domain.Request{URL: text})
			continue
		}
		var req domain.Request
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", line, err)
		}
		out = append(out, req)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
