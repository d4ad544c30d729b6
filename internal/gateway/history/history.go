// Package history implements the Gateway's rollout history paging: four
// query modes over an append-only line-delimited JSON rollout file, each
// bounded by both a line count and a byte ceiling, backed by an optional
// background line-offset index so window queries are O(result size)
// rather than O(file size).
package history

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// IndexStride is the line stride of the line-offset index. The index is
// held in the Indexer's memory only; it is not persisted to disk.
const IndexStride = 512

// Mode selects one of the four query shapes.
type Mode string

const (
	ModeHead               Mode = "head"
	ModeTail               Mode = "tail"
	ModeWindowBeforeCursor Mode = "window_before_cursor"
	ModeWindowAfterCursor  Mode = "window_after_cursor"
)

// Query is one history page request. Caps apply per request; no
// session-level running cap is tracked.
type Query struct {
	Mode     Mode
	Cursor   int // line index the window is relative to; ignored for head/tail
	MaxLines int
	MaxBytes int
}

// Page is the result of a history query.
type Page struct {
	Lines      []string
	StartLine  int
	EndLine    int // exclusive
	TotalLines int
	Truncated  bool
}

// lineIndex is a sparse offsets table: offsets[i] is the byte offset of
// line i*stride. Rebuilt whenever the file's size or mtime changes.
type lineIndex struct {
	modTime    time.Time
	size       int64
	stride     int
	offsets    []int64
	totalLines int
}

// Indexer builds and caches per-path line indexes in the background so
// repeated window queries against a large rollout avoid a full scan.
type Indexer struct {
	mu      sync.Mutex
	indexes map[string]*lineIndex
	pending map[string]bool
}

// NewIndexer constructs an empty indexer.
func NewIndexer() *Indexer {
	return &Indexer{
		indexes: make(map[string]*lineIndex),
		pending: make(map[string]bool),
	}
}

// EnsureBuilt kicks off (or no-ops if already running) a background build
// of path's line index. It does not block the caller; Query falls back to
// a full scan until the index is ready.
func (ix *Indexer) EnsureBuilt(path string) {
	ix.mu.Lock()
	if ix.pending[path] {
		ix.mu.Unlock()
		return
	}
	ix.pending[path] = true
	ix.mu.Unlock()

	go func() {
		defer func() {
			ix.mu.Lock()
			delete(ix.pending, path)
			ix.mu.Unlock()
		}()
		idx, err := buildIndex(path)
		if err != nil {
			return
		}
		ix.mu.Lock()
		ix.indexes[path] = idx
		ix.mu.Unlock()
	}()
}

func (ix *Indexer) get(path string, size int64, modTime time.Time) *lineIndex {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	idx, ok := ix.indexes[path]
	if !ok || idx.size != size || !idx.modTime.Equal(modTime) {
		return nil
	}
	return idx
}

func buildIndex(path string) (*lineIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	idx := &lineIndex{modTime: stat.ModTime(), size: stat.Size(), stride: IndexStride}
	idx.offsets = append(idx.offsets, 0)

	r := bufio.NewReaderSize(f, 1<<20)
	var offset int64
	lineNo := 0
	for {
		chunk, err := r.ReadSlice('\n')
		offset += int64(len(chunk))
		if len(chunk) > 0 {
			lineNo++
			if lineNo%idx.stride == 0 {
				idx.offsets = append(idx.offsets, offset)
			}
		}
		if err != nil {
			break
		}
	}
	idx.totalLines = lineNo
	return idx, nil
}

// countLines scans the whole file to count lines, used when no index is
// ready yet.
func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	n := 0
	for {
		chunk, err := r.ReadSlice('\n')
		if len(chunk) > 0 {
			n++
		}
		if err != nil {
			break
		}
	}
	return n, nil
}

// Query resolves one of the four modes against path, using the cached
// index when available and valid, otherwise falling back to a full scan
// of the file. It also opportunistically schedules an
// index (re)build when the on-disk file has changed since the cached
// index was built.
func (ix *Indexer) Query(ctx context.Context, path string, q Query) (Page, error) {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Page{}, nil
		}
		return Page{}, fmt.Errorf("history: stat %s: %w", path, err)
	}

	idx := ix.get(path, stat.Size(), stat.ModTime())
	if idx == nil {
		ix.EnsureBuilt(path)
	}

	maxLines := q.MaxLines
	if maxLines <= 0 {
		maxLines = 200
	}
	maxBytes := q.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}

	var totalLines int
	if idx != nil {
		totalLines = idx.totalLines
	} else {
		totalLines, err = countLines(path)
		if err != nil {
			return Page{}, err
		}
	}

	start, end := q.resolveRange(totalLines, maxLines)
	lines, truncated, err := readLineRange(path, idx, start, end, maxBytes)
	if err != nil {
		return Page{}, err
	}

	return Page{
		Lines:      lines,
		StartLine:  start,
		EndLine:    start + len(lines),
		TotalLines: totalLines,
		Truncated:  truncated || start+len(lines) < end,
	}, nil
}

// resolveRange computes the [start, end) line range for q's mode given
// the file's total line count.
func (q Query) resolveRange(totalLines, maxLines int) (int, int) {
	switch q.Mode {
	case ModeHead:
		end := maxLines
		if end > totalLines {
			end = totalLines
		}
		return 0, end
	case ModeTail:
		start := totalLines - maxLines
		if start < 0 {
			start = 0
		}
		return start, totalLines
	case ModeWindowBeforeCursor:
		end := q.Cursor
		if end > totalLines {
			end = totalLines
		}
		if end < 0 {
			end = 0
		}
		start := end - maxLines
		if start < 0 {
			start = 0
		}
		return start, end
	case ModeWindowAfterCursor:
		start := q.Cursor
		if start < 0 {
			start = 0
		}
		if start > totalLines {
			start = totalLines
		}
		end := start + maxLines
		if end > totalLines {
			end = totalLines
		}
		return start, end
	default:
		return 0, 0
	}
}

// readLineRange reads lines [start, end) from path. When idx is non-nil
// it seeks to the nearest stride offset at or before start instead of
// scanning from byte 0, making the read O(result size + stride) rather
// than O(file size).
func readLineRange(path string, idx *lineIndex, start, end int, maxBytes int) ([]string, bool, error) {
	if start >= end {
		return nil, false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	var lineNo int
	if idx != nil && len(idx.offsets) > 0 {
		strideIdx := start / idx.stride
		if strideIdx >= len(idx.offsets) {
			strideIdx = len(idx.offsets) - 1
		}
		if _, err := f.Seek(idx.offsets[strideIdx], 0); err != nil {
			return nil, false, err
		}
		lineNo = strideIdx * idx.stride
	}

	r := bufio.NewReaderSize(f, 1<<20)
	for lineNo < start {
		if _, err := r.ReadString('\n'); err != nil {
			break
		}
		lineNo++
	}

	var out []string
	var bytesRead int
	truncated := false
	for lineNo < end {
		line, err := r.ReadString('\n')
		if line != "" {
			trimmed := trimNewline(line)
			bytesRead += len(trimmed)
			if bytesRead > maxBytes {
				truncated = true
				break
			}
			out = append(out, trimmed)
			lineNo++
		}
		if err != nil {
			break
		}
	}
	return out, truncated, nil
}

func trimNewline(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '\r' {
		s = s[:len(s)-1]
	}
	return s
}
