package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// writeRollout creates a jsonl file of n numbered lines and returns its
// path. Lines are long enough that byte ceilings bite at predictable
// counts.
func writeRollout(t *testing.T, n int) string {
	t.Helper()
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, `{"seq":%04d}`+"\n", i)
	}
	path := filepath.Join(t.TempDir(), "rollout.jsonl")
	assert.NilError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func seqLine(i int) string { return fmt.Sprintf(`{"seq":%04d}`, i) }

func TestQuery_Head(t *testing.T) {
	path := writeRollout(t, 100)
	ix := NewIndexer()

	page, err := ix.Query(context.Background(), path, Query{Mode: ModeHead, MaxLines: 10})
	assert.NilError(t, err)
	assert.Equal(t, len(page.Lines), 10)
	assert.Equal(t, page.StartLine, 0)
	assert.Equal(t, page.Lines[0], seqLine(0))
	assert.Equal(t, page.Lines[9], seqLine(9))
	assert.Equal(t, page.TotalLines, 100)
}

func TestQuery_Tail(t *testing.T) {
	path := writeRollout(t, 100)
	ix := NewIndexer()

	page, err := ix.Query(context.Background(), path, Query{Mode: ModeTail, MaxLines: 10})
	assert.NilError(t, err)
	assert.Equal(t, len(page.Lines), 10)
	assert.Equal(t, page.StartLine, 90)
	assert.Equal(t, page.Lines[0], seqLine(90))
	assert.Equal(t, page.Lines[9], seqLine(99))
}

func TestQuery_WindowBeforeCursor(t *testing.T) {
	path := writeRollout(t, 100)
	ix := NewIndexer()

	page, err := ix.Query(context.Background(), path, Query{Mode: ModeWindowBeforeCursor, Cursor: 50, MaxLines: 10})
	assert.NilError(t, err)
	assert.Equal(t, len(page.Lines), 10)
	assert.Equal(t, page.StartLine, 40)
	assert.Equal(t, page.Lines[0], seqLine(40))
	assert.Equal(t, page.Lines[9], seqLine(49))
}

func TestQuery_WindowAfterCursor(t *testing.T) {
	path := writeRollout(t, 100)
	ix := NewIndexer()

	page, err := ix.Query(context.Background(), path, Query{Mode: ModeWindowAfterCursor, Cursor: 50, MaxLines: 10})
	assert.NilError(t, err)
	assert.Equal(t, len(page.Lines), 10)
	assert.Equal(t, page.StartLine, 50)
	assert.Equal(t, page.Lines[0], seqLine(50))
	assert.Equal(t, page.Lines[9], seqLine(59))
}

// TestQuery_ByteCeilingTruncates covers the dual bound: even when the
// line cap allows more, the byte ceiling cuts the page short and marks it
// truncated.
func TestQuery_ByteCeilingTruncates(t *testing.T) {
	path := writeRollout(t, 100)
	ix := NewIndexer()

	// Each line is 12 bytes after newline-trimming; 30 bytes fits two.
	page, err := ix.Query(context.Background(), path, Query{Mode: ModeHead, MaxLines: 50, MaxBytes: 30})
	assert.NilError(t, err)
	assert.Equal(t, len(page.Lines), 2)
	assert.Assert(t, page.Truncated)
}

// TestQuery_IndexAndScanAgree runs the same window query before any index
// exists (full-scan fallback) and again once the background index is
// built; both paths must return identical pages.
func TestQuery_IndexAndScanAgree(t *testing.T) {
	path := writeRollout(t, IndexStride*3)
	ix := NewIndexer()

	q := Query{Mode: ModeWindowAfterCursor, Cursor: IndexStride + 7, MaxLines: 5}

	cold, err := ix.Query(context.Background(), path, q)
	assert.NilError(t, err)
	assert.Equal(t, len(cold.Lines), 5)
	assert.Equal(t, cold.Lines[0], seqLine(IndexStride+7))

	ix.EnsureBuilt(path)
	stat, err := os.Stat(path)
	assert.NilError(t, err)
	deadline := time.Now().Add(5 * time.Second)
	for ix.get(path, stat.Size(), stat.ModTime()) == nil {
		if time.Now().After(deadline) {
			t.Fatal("index was never built")
		}
		time.Sleep(5 * time.Millisecond)
	}

	warm, err := ix.Query(context.Background(), path, q)
	assert.NilError(t, err)
	assert.DeepEqual(t, cold.Lines, warm.Lines)
	assert.Equal(t, cold.StartLine, warm.StartLine)
	assert.Equal(t, cold.TotalLines, warm.TotalLines)
}

func TestQuery_MissingFileYieldsEmptyPage(t *testing.T) {
	ix := NewIndexer()
	page, err := ix.Query(context.Background(), filepath.Join(t.TempDir(), "absent.jsonl"), Query{Mode: ModeTail, MaxLines: 10})
	assert.NilError(t, err)
	assert.Equal(t, len(page.Lines), 0)
	assert.Equal(t, page.TotalLines, 0)
}
