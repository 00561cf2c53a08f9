package logaccess

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ErrInvalidPattern is returned when a search regex fails the DoS guard.
var ErrInvalidPattern = errors.New("logaccess: invalid search pattern")

// ErrNoLogs is returned when the target has no indexed log files.
var ErrNoLogs = errors.New("logaccess: no log files indexed")

const (
	// DefaultMaxLines caps the lines returned per read.
	DefaultMaxLines = 2000
	// maxPatternLen caps the search regex length before compilation.
	maxPatternLen = 500
	// maxCaptureGroups caps '(' groups in a search regex.
	maxCaptureGroups = 15
	// maxLineLen guards the scanner against pathological log lines.
	maxLineLen = 1 * 1024 * 1024 // 1 MiB
)

// Content is the outcome of a log read.
type Content struct {
	Lines     []string `json:"lines"`
	Truncated bool     `json:"truncated"`
}

// Match is one search hit.
type Match struct {
	TaskID   string `json:"task_id"`
	FilePath string `json:"file_path"`
	LineNo   int    `json:"line_no"`
	Line     string `json:"line"`
}

// Reader loads indexed log files with a line cap per response.
type Reader struct {
	// MaxLines bounds every read; ≤ 0 means DefaultMaxLines.
	MaxLines int
}

// ValidatePattern applies the DoS guard BEFORE any regexp compilation:
// patterns longer than 500 characters or containing more than 15 capturing
// groups are rejected outright.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if len(pattern) > maxPatternLen {
		return fmt.Errorf("%w: pattern exceeds %d characters", ErrInvalidPattern, maxPatternLen)
	}
	if countCaptureGroups(pattern) > maxCaptureGroups {
		return fmt.Errorf("%w: pattern exceeds %d capture groups", ErrInvalidPattern, maxCaptureGroups)
	}
	return nil
}

// countCaptureGroups counts unescaped capturing '(' in the pattern.
// Non-capturing groups "(?:" and flag groups "(?i)" are not counted.
func countCaptureGroups(pattern string) int {
	count := 0
	escaped := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == '(' {
			if i+1 < len(pattern) && pattern[i+1] == '?' {
				continue
			}
			count++
		}
	}
	return count
}

// ReadTask returns the lines of every indexed file for the task, capped at
// MaxLines with Truncated set on overflow.
func (r *Reader) ReadTask(idx *Index, taskID string) (*Content, error) {
	entries := idx.EntriesForTask(taskID)
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: task %q", ErrNoLogs, taskID)
	}
	return r.readEntries(entries)
}

// ReadContainer returns the lines of every indexed file for the container.
func (r *Reader) ReadContainer(idx *Index, containerID string) (*Content, error) {
	entries := idx.EntriesForContainer(containerID)
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: container %q", ErrNoLogs, containerID)
	}
	return r.readEntries(entries)
}

// Search runs a validated pattern over the files owned by containerID.
// Only entries indexed under that container are ever opened.
func (r *Reader) Search(idx *Index, containerID, pattern string) ([]Match, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}

	max := r.maxLines()
	var matches []Match
	for _, e := range idx.EntriesForContainer(containerID) {
		fileMatches, err := searchFile(re, e, max-len(matches))
		if err != nil {
			// Skip unreadable files: the index can be ahead of the
			// filesystem while a collaborator rotates logs.
			continue
		}
		matches = append(matches, fileMatches...)
		if len(matches) >= max {
			break
		}
	}
	return matches, nil
}

func (r *Reader) maxLines() int {
	if r.MaxLines > 0 {
		return r.MaxLines
	}
	return DefaultMaxLines
}

// readEntries concatenates the entries' files up to the line cap.
func (r *Reader) readEntries(entries []Entry) (*Content, error) {
	max := r.maxLines()
	content := &Content{Lines: []string{}}

	for _, e := range entries {
		f, err := os.Open(e.FilePath)
		if err != nil {
			continue
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), maxLineLen)
		for sc.Scan() {
			if len(content.Lines) >= max {
				content.Truncated = true
				break
			}
			content.Lines = append(content.Lines, sc.Text())
		}
		f.Close()
		if content.Truncated {
			break
		}
	}

	if len(content.Lines) == 0 && !content.Truncated {
		return content, nil
	}
	return content, nil
}

// searchFile scans one file for the pattern, returning at most limit hits.
func searchFile(re *regexp.Regexp, e Entry, limit int) ([]Match, error) {
	if limit <= 0 {
		return nil, nil
	}
	f, err := os.Open(e.FilePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Match
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineLen)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if re.MatchString(line) {
			out = append(out, Match{
				TaskID:   e.TaskID,
				FilePath: e.FilePath,
				LineNo:   lineNo,
				Line:     strings.ToValidUTF8(line, "�"),
			})
			if len(out) >= limit {
				break
			}
		}
	}
	return out, sc.Err()
}
