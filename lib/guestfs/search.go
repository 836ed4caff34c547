package guestfs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// SearchRequest shapes one grep invocation in the guest.
type SearchRequest struct {
	Root            string   `json:"root"`
	Pattern         string   `json:"pattern"`
	CaseInsensitive bool     `json:"case,omitempty"`
	IncludeGlobs    []string `json:"include_globs,omitempty"`
	ExcludeDirs     []string `json:"exclude_dirs,omitempty"`
	MaxResultsTotal int      `json:"max_results_total,omitempty"`
}

// SearchMatch is one matching line.
type SearchMatch struct {
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// SearchFileHits groups matches by file.
type SearchFileHits struct {
	Path    string        `json:"path"`
	Matches []SearchMatch `json:"matches"`
}

// SearchResult is the grouped outcome of a search.
type SearchResult struct {
	Files     []SearchFileHits `json:"files"`
	Total     int              `json:"total"`
	Truncated bool             `json:"truncated"`
}

const defaultMaxResults = 500

// Search greps the guest tree and groups matches by file, enforcing the
// result cap. grep exit status 1 (no matches) is an empty result, not an
// error.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if req.Pattern == "" {
		return nil, fmt.Errorf("empty search pattern")
	}
	max := req.MaxResultsTotal
	if max <= 0 {
		max = defaultMaxResults
	}

	cmd := buildGrepCommand(req)
	stdout, stderr, code, err := c.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if code > 1 {
		return nil, fmt.Errorf("grep failed: %s", strings.TrimSpace(stderr))
	}
	return parseGrepOutput(stdout, max), nil
}

// buildGrepCommand assembles a single recursive grep: -R recursive, -I
// skip binaries, -n line numbers.
func buildGrepCommand(req SearchRequest) string {
	var sb strings.Builder
	sb.WriteString("grep -RInI")
	if req.CaseInsensitive {
		sb.WriteString(" -i")
	}
	for _, glob := range req.IncludeGlobs {
		sb.WriteString(" --include=" + shellQuote(glob))
	}
	for _, dir := range req.ExcludeDirs {
		sb.WriteString(" --exclude-dir=" + shellQuote(dir))
	}
	sb.WriteString(" -e " + shellQuote(req.Pattern))
	sb.WriteString(" " + shellQuote(req.Root))
	return sb.String()
}

// parseGrepOutput parses `file:lineno:content` lines, grouping by file and
// stopping at the cap.
func parseGrepOutput(out string, max int) *SearchResult {
	result := &SearchResult{}
	byFile := make(map[string]int) // path -> index into result.Files
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if result.Total >= max {
			result.Truncated = true
			break
		}
		first := strings.Index(line, ":")
		if first < 0 {
			continue
		}
		second := strings.Index(line[first+1:], ":")
		if second < 0 {
			continue
		}
		second += first + 1

		file := line[:first]
		lineno, err := strconv.Atoi(line[first+1 : second])
		if err != nil {
			continue
		}
		content := line[second+1:]

		idx, ok := byFile[file]
		if !ok {
			idx = len(result.Files)
			byFile[file] = idx
			result.Files = append(result.Files, SearchFileHits{Path: file})
		}
		result.Files[idx].Matches = append(result.Files[idx].Matches, SearchMatch{
			Line:    lineno,
			Content: content,
		})
		result.Total++
	}
	return result
}
