// Package gitrepo keeps a git archive of published content, one JSON file per
// content key, with a commit for every publish and rollback.
package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fieldhouse/api/internal/content"
	"fieldhouse/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const mainBranch = "main"

// ErrNotArchived is returned for keys that have never been published.
var ErrNotArchived = errors.New("content key has no archived snapshot")

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshot is the file written for a content key.
type Snapshot struct {
	ContentKey  string      `json:"contentKey"`
	ContentType string      `json:"contentType"`
	Page        string      `json:"page"`
	Section     string      `json:"section,omitempty"`
	Value       store.Value `json:"content"`
	UpdatedBy   string      `json:"updatedBy"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

type Service struct {
	baseDir string
	mu      sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Service {
	return &Service{baseDir: baseDir, now: time.Now}
}

// EnsureRepo initialises the archive with a baseline commit if it does not
// exist yet.
func (s *Service) EnsureRepo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.open()
	return err
}

func (s *Service) open() (*git.Repository, error) {
	repo, err := git.PlainOpen(s.baseDir)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(s.baseDir, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	readme := "Published site content. Each file holds the live value of one content key.\n"
	if err := os.WriteFile(filepath.Join(s.baseDir, "README.md"), []byte(readme), 0o644); err != nil {
		return nil, fmt.Errorf("write readme: %w", err)
	}
	if _, err := worktree.Add("README.md"); err != nil {
		return nil, fmt.Errorf("git add readme: %w", err)
	}
	if _, err := worktree.Commit("Create content archive", &git.CommitOptions{Author: s.signature("system")}); err != nil {
		return nil, fmt.Errorf("commit baseline: %w", err)
	}
	return repo, nil
}

// CommitSnapshot writes the snapshot file for its key and commits it. A
// snapshot identical to the archived one produces no commit.
func (s *Service) CommitSnapshot(snapshot Snapshot, author, message string) (CommitInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.open()
	if err != nil {
		return CommitInfo{}, false, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("open worktree: %w", err)
	}

	rel := snapshotPath(snapshot.Page, snapshot.ContentKey)
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("marshal snapshot: %w", err)
	}
	abs := filepath.Join(s.baseDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return CommitInfo{}, false, fmt.Errorf("create page dir: %w", err)
	}
	if err := os.WriteFile(abs, append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, false, fmt.Errorf("write %s: %w", rel, err)
	}
	if _, err := worktree.Add(rel); err != nil {
		return CommitInfo{}, false, fmt.Errorf("git add %s: %w", rel, err)
	}

	status, err := worktree.Status()
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		return CommitInfo{}, false, nil
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{Author: s.signature(author)})
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("commit content: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), true, nil
}

// ReadSnapshot returns the archived snapshot for key at HEAD.
func (s *Service) ReadSnapshot(page, key string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.open()
	if err != nil {
		return Snapshot{}, err
	}
	ref, err := repo.Head()
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve HEAD: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Snapshot{}, fmt.Errorf("load commit object: %w", err)
	}
	file, err := commitObj.File(snapshotPath(page, key))
	if errors.Is(err, object.ErrFileNotFound) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotArchived, key)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s from commit: %w", key, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

// History lists commits touching key, newest first. An empty key lists every commit.
func (s *Service) History(page, key string, limit int) ([]CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.open()
	if err != nil {
		return nil, err
	}
	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	opts := &git.LogOptions{From: ref.Hash()}
	if key != "" {
		rel := snapshotPath(page, key)
		opts.FileName = &rel
	}
	iter, err := repo.Log(opts)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var items []CommitInfo
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

// ContentChanged archives the record written by a publish or rollback.
func (s *Service) ContentChanged(_ context.Context, change content.Change) error {
	record := change.Record
	message := fmt.Sprintf("Publish %s", record.Key)
	if change.Reason == store.ReasonRollback {
		message = fmt.Sprintf("Roll back %s", record.Key)
		if change.Version != nil && change.Version.SourceVersionID != nil {
			message += "\n\nrestored-from: " + *change.Version.SourceVersionID
		}
	} else if change.Version != nil && change.Version.DraftID != nil {
		message += "\n\ndraft: " + *change.Version.DraftID
	}

	_, _, err := s.CommitSnapshot(Snapshot{
		ContentKey:  record.Key,
		ContentType: record.Type,
		Page:        record.Page,
		Section:     record.Section,
		Value:       record.Value,
		UpdatedBy:   record.UpdatedBy,
		UpdatedAt:   record.UpdatedAt.UTC(),
	}, change.Actor, message)
	return err
}

func (s *Service) signature(author string) *object.Signature {
	if strings.TrimSpace(author) == "" {
		author = "system"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@content.fieldhouse.local", sanitizeEmail(author)),
		When:  s.now(),
	}
}

func snapshotPath(page, key string) string {
	if page == "" {
		page = "_"
	}
	return sanitizeSegment(page) + "/" + sanitizeSegment(key) + ".json"
}

func sanitizeSegment(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
			out = append(out, r)
			continue
		}
		out = append(out, '_')
	}
	s := strings.Trim(string(out), ".")
	if s == "" {
		return "_"
	}
	return s
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
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
