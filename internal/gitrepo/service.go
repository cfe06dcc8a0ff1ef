// Package gitrepo keeps the form details of every entry in its own git
// repository so earlier revisions can be listed and read back.
package gitrepo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"ims/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	detailsFile = "details.json"
	branch      = "main"
)

// ErrNoHistory is returned when the entry has no repository yet.
var ErrNoHistory = errors.New("gitrepo: no history for entry")

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Ensure creates the entry repository with a baseline commit. It does
// nothing when the repository exists.
func (s *Service) Ensure(entryID string, details json.RawMessage, author string) error {
	lock := s.entryLock(entryID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(entryID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	hash, err := writeAndCommit(repo, details, author, "Create entry", true)
	if err != nil {
		return err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// Commit records details as a new revision. The bool is false when the
// details equal the head revision and nothing was committed.
func (s *Service) Commit(entryID string, details json.RawMessage, author, message string) (store.CommitInfo, bool, error) {
	if err := s.Ensure(entryID, details, author); err != nil {
		return store.CommitInfo{}, false, err
	}

	lock := s.entryLock(entryID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(entryID))
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("open repo: %w", err)
	}
	head, err := headCommit(repo)
	if err != nil {
		return store.CommitInfo{}, false, err
	}
	current, err := readDetails(head)
	if err != nil {
		return store.CommitInfo{}, false, err
	}
	if !HasChanges(current, details) {
		return toCommitInfo(head), false, nil
	}

	hash, err := writeAndCommit(repo, details, author, message, false)
	if err != nil {
		return store.CommitInfo{}, false, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), true, nil
}

// History lists revisions newest first. limit <= 0 means all.
func (s *Service) History(entryID string, limit int) ([]store.CommitInfo, error) {
	lock := s.entryLock(entryID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(entryID)
	if err != nil {
		return nil, err
	}
	head, err := headCommit(repo)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// DetailsAt returns the details recorded by the commit with the given
// (possibly abbreviated) hash.
func (s *Service) DetailsAt(entryID, hash string) (json.RawMessage, store.CommitInfo, error) {
	lock := s.entryLock(entryID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(entryID)
	if err != nil {
		return nil, store.CommitInfo{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, store.CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, store.CommitInfo{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	details, err := readDetails(commitObj)
	if err != nil {
		return nil, store.CommitInfo{}, err
	}
	return details, toCommitInfo(commitObj), nil
}

// Delete removes the entry repository. Missing repositories are ignored.
func (s *Service) Delete(entryID string) error {
	lock := s.entryLock(entryID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(entryID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	s.lockMu.Lock()
	delete(s.locks, entryID)
	s.lockMu.Unlock()
	return nil
}

func (s *Service) repoPath(entryID string) string {
	return filepath.Join(s.baseDir, filepath.Base(entryID))
}

func (s *Service) open(entryID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(entryID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) entryLock(entryID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[entryID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[entryID] = lock
	return lock
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func writeAndCommit(repo *git.Repository, details json.RawMessage, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := indent(details)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, detailsFile), payload, 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", detailsFile, err)
	}
	if _, err := worktree.Add(detailsFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add details: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@ims.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit details: %w", err)
	}
	return hash, nil
}

func indent(details json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(details)) == 0 {
		return []byte("{}\n"), nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, details, "", "  "); err != nil {
		return nil, fmt.Errorf("format details: %w", err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

func readDetails(commitObj *object.Commit) (json.RawMessage, error) {
	file, err := commitObj.File(detailsFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", detailsFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open details reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read details bytes: %w", err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, fmt.Errorf("decode commit details: %w", err)
	}
	return compact.Bytes(), nil
}

// FieldChange names one top-level details key that differs between two
// revisions.
type FieldChange struct {
	Field  string          `json:"field"`
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
}

// DiffFields compares two details objects key by key. Non-object input is
// treated as empty.
func DiffFields(from, to json.RawMessage) []FieldChange {
	before := topLevel(from)
	after := topLevel(to)

	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}

	result := make([]FieldChange, 0)
	for k := range keys {
		if bytes.Equal(normalize(before[k]), normalize(after[k])) {
			continue
		}
		result = append(result, FieldChange{Field: k, Before: before[k], After: after[k]})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Field < result[j].Field })
	return result
}

// HasChanges compares two details payloads ignoring formatting and key order.
func HasChanges(from, to json.RawMessage) bool {
	return !bytes.Equal(normalize(from), normalize(to))
}

func topLevel(raw json.RawMessage) map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]json.RawMessage{}
	}
	return out
}

func normalize(doc json.RawMessage) []byte {
	if len(bytes.TrimSpace(doc)) == 0 {
		return []byte("{}")
	}
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
