// Package providers holds the minimal default implementations of the
// processor's DiffProvider/FileSearcher/AuthStatusProvider seams: a
// provider that shells out to the system git binary, a filesystem-walking
// fuzzy matcher, and a fixed auth-status stub. Deployments embed richer
// implementations behind the same interfaces.
package providers

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// GitDiffProvider shells out to the system git binary to compute a diff
// against a remote tracking branch, mirroring git_diff_to_remote.
type GitDiffProvider struct {
	// Remote is the remote ref diffed against, e.g. "origin/HEAD".
	Remote string
}

// NewGitDiffProvider constructs a provider diffing against origin/HEAD
// unless remote overrides it.
func NewGitDiffProvider(remote string) *GitDiffProvider {
	if remote == "" {
		remote = "origin/HEAD"
	}
	return &GitDiffProvider{Remote: remote}
}

// DiffToRemote runs "git diff <remote>" in cwd.
func (g *GitDiffProvider) DiffToRemote(ctx context.Context, cwd string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", g.Remote)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("providers: git diff failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// WalkFuzzySearcher implements a simple substring/subsequence fuzzy match
// over every file under a set of root directories, scoring matches by
// the span of the name they cover so tighter matches sort first.
type WalkFuzzySearcher struct {
	Roots []string
}

// NewWalkFuzzySearcher constructs a searcher rooted at the given
// directories.
func NewWalkFuzzySearcher(roots ...string) *WalkFuzzySearcher {
	return &WalkFuzzySearcher{Roots: roots}
}

type scoredMatch struct {
	path  string
	score int
}

// FuzzySearch walks every root collecting relative paths whose name
// contains query as a case-insensitive subsequence, returning at most limit results
// ordered by score then path.
func (w *WalkFuzzySearcher) FuzzySearch(ctx context.Context, query string, limit int) ([]string, error) {
	if query == "" {
		return nil, nil
	}
	q := strings.ToLower(query)

	var matches []scoredMatch
	for _, root := range w.Roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if d.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			if score, ok := subsequenceScore(q, strings.ToLower(d.Name())); ok {
				rel, relErr := filepath.Rel(root, path)
				if relErr != nil {
					rel = path
				}
				matches = append(matches, scoredMatch{path: rel, score: score})
			}
			return nil
		})
		if err != nil && err != ctx.Err() {
			return nil, fmt.Errorf("providers: walk %s: %w", root, err)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].path < matches[j].path
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.path
	}
	return out, nil
}

// subsequenceScore reports whether every rune of q appears in order within
// name, scoring by how many characters of name the match spans (tighter
// spans score higher).
func subsequenceScore(q, name string) (int, bool) {
	qr := []rune(q)
	qi := 0
	firstIdx, lastIdx := -1, -1
	i := 0
	for _, r := range name {
		if qi < len(qr) && qr[qi] == r {
			if firstIdx == -1 {
				firstIdx = i
			}
			lastIdx = i
			qi++
		}
		i++
	}
	if qi != len(qr) {
		return 0, false
	}
	span := lastIdx - firstIdx + 1
	return 1000 - span, true
}

// StaticAuthStatus reports a fixed status string; a real deployment
// injects something backed by actual credential state.
type StaticAuthStatus struct {
	Value string
}

func (s StaticAuthStatus) Status(ctx context.Context) (string, error) {
	if s.Value == "" {
		return "unauthenticated", nil
	}
	return s.Value, nil
}
