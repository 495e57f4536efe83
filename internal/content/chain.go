package content

import (
	"fmt"
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
)

const (
	opCommits = "content.commits"
	opUpdate  = "content.update"
	opSetRefs = "content.set_refs"
)

// walkChain follows parent links from start and returns the commits oldest first.
// The walk stops before since, at tail (inclusive) or at the root.
func walkChain(chain map[string]Commit, start, since, tail string) ([]Commit, error) {
	result := []Commit{}
	if start == "" {
		return result, nil
	}
	if _, ok := chain[start]; !ok {
		return nil, apperr.WrongValue(opCommits, "unknown_commit", fmt.Errorf("%w: %s", ErrBrokenChain, start))
	}
	visited := make(map[string]struct{}, len(chain))
	for sha := start; sha != "" && sha != since; {
		if _, seen := visited[sha]; seen {
			return nil, apperr.Internal(opCommits, "cycle_detected", fmt.Errorf("%w at %s", ErrCommitCycle, sha))
		}
		visited[sha] = struct{}{}
		commit, ok := chain[sha]
		if !ok {
			return nil, apperr.Internal(opCommits, "broken_chain", fmt.Errorf("%w: missing %s", ErrBrokenChain, sha))
		}
		result = append(result, commit)
		if sha == tail {
			break
		}
		sha = commit.Parent
	}
	slices.Reverse(result)
	return result, nil
}

// prepareBatch validates commits against the stored chain and returns the ones to append.
// Commits already stored with the same parent are skipped so a retried update is harmless.
func prepareBatch(chain map[string]Commit, commits []Commit, now time.Time) ([]Commit, error) {
	pending := make([]Commit, 0, len(commits))
	batch := make(map[string]struct{}, len(commits))
	for _, commit := range commits {
		if commit.Sha == "" {
			return nil, apperr.WrongValue(opUpdate, "missing_sha", nil)
		}
		if commit.Parent == commit.Sha {
			return nil, apperr.WrongValue(opUpdate, "self_parent", fmt.Errorf("%w at %s", ErrCommitCycle, commit.Sha))
		}
		if _, duplicate := batch[commit.Sha]; duplicate {
			return nil, apperr.WrongValue(opUpdate, "duplicate_sha", nil)
		}
		if stored, exists := chain[commit.Sha]; exists {
			if stored.Parent != commit.Parent {
				return nil, apperr.Conflict(opUpdate, "sha_exists", nil)
			}
			batch[commit.Sha] = struct{}{}
			continue
		}
		if commit.Parent != "" {
			_, stored := chain[commit.Parent]
			_, earlier := batch[commit.Parent]
			if !stored && !earlier {
				return nil, apperr.WrongValue(opUpdate, "unknown_parent", fmt.Errorf("%w: %s", ErrBrokenChain, commit.Parent))
			}
		}
		if commit.CreatedAt.IsZero() {
			commit.CreatedAt = now
		}
		batch[commit.Sha] = struct{}{}
		pending = append(pending, commit)
	}
	return pending, nil
}

// checkRef fails when a non-empty ref names a commit that is neither stored nor pending.
func checkRef(operation, name, sha string, chain map[string]Commit, pending []Commit) error {
	if sha == "" {
		return nil
	}
	if _, ok := chain[sha]; ok {
		return nil
	}
	for _, commit := range pending {
		if commit.Sha == sha {
			return nil
		}
	}
	return apperr.WrongValue(operation, "unknown_"+name, fmt.Errorf("%w: %s", ErrBrokenChain, sha))
}
