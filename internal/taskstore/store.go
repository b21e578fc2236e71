// Package taskstore implements durable, daily-rotated persistence of task
// records. Tasks live in day-bucket files named YYYY-MM-DD.json under the
// store root; each file is a JSON object mapping task_id → task. The bucket
// a task belongs to is fixed by its created_at day for the task's entire
// life, so updates always rewrite the same file.
//
// All reads are served from an in-memory index loaded at startup. Writes go
// through to disk before returning (write-through): the caller is expected
// to hold the task's lock across Put so that a persisted record is never
// observed out of order.
package taskstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mediarun/manager/internal/domain"
)

// Store is the day-bucketed task store.
type Store struct {
	dir string

	mu      sync.RWMutex
	tasks   map[string]*domain.Task
	buckets map[string]map[string]struct{} // day → task_id set

	// bucketMu serializes writes per bucket file so two tasks created the
	// same day cannot interleave temp-file renames.
	bucketMuMu sync.Mutex
	bucketMu   map[string]*sync.Mutex
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task store dir: %w", err)
	}
	return &Store{
		dir:      dir,
		tasks:    make(map[string]*domain.Task),
		buckets:  make(map[string]map[string]struct{}),
		bucketMu: make(map[string]*sync.Mutex),
	}, nil
}

// bucketKey derives the day-bucket name from a task's creation time.
func bucketKey(createdAt time.Time) string {
	return createdAt.UTC().Format("2006-01-02")
}

func (s *Store) bucketPath(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// LoadAll reads every day-bucket file into the in-memory index and returns
// the loaded tasks. Corrupt buckets are quarantined (renamed to
// <bucket>.corrupt) with a warning; the remaining buckets still load. When a
// bucket file is missing or unreadable but a .tmp from an interrupted write
// validates, the .tmp content is recovered.
func (s *Store) LoadAll() ([]*domain.Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read task store dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var loaded []*domain.Task
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(name, ".json")

		bucket, err := s.readBucket(key)
		if err != nil {
			slog.Warn("quarantining corrupt task bucket", "bucket", name, "error", err)
			s.quarantine(key)
			continue
		}
		for id, t := range bucket {
			t.TaskID = id
			s.tasks[id] = t
			s.indexLocked(key, id)
			loaded = append(loaded, t.Clone())
		}
	}

	// Recover buckets that only exist as .tmp (crash between write and rename).
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json.tmp") {
			continue
		}
		key := strings.TrimSuffix(name, ".json.tmp")
		if _, ok := s.buckets[key]; ok {
			continue // bucket file won; drop the leftover temp
		}
		bucket, err := readBucketFile(filepath.Join(s.dir, name))
		if err != nil {
			slog.Warn("discarding unreadable bucket temp file", "file", name, "error", err)
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if err := os.Rename(filepath.Join(s.dir, name), s.bucketPath(key)); err != nil {
			slog.Warn("failed to promote bucket temp file", "file", name, "error", err)
			continue
		}
		slog.Info("recovered task bucket from temp file", "bucket", key)
		for id, t := range bucket {
			t.TaskID = id
			s.tasks[id] = t
			s.indexLocked(key, id)
			loaded = append(loaded, t.Clone())
		}
	}

	return loaded, nil
}

func (s *Store) indexLocked(key, id string) {
	set, ok := s.buckets[key]
	if !ok {
		set = make(map[string]struct{})
		s.buckets[key] = set
	}
	set[id] = struct{}{}
}

// readBucket reads a bucket file, falling back to its temp file when the
// primary fails to parse. Returns an error only if neither validates.
func (s *Store) readBucket(key string) (map[string]*domain.Task, error) {
	bucket, err := readBucketFile(s.bucketPath(key))
	if err == nil {
		return bucket, nil
	}
	tmp, tmpErr := readBucketFile(s.bucketPath(key) + ".tmp")
	if tmpErr == nil {
		return tmp, nil
	}
	return nil, err
}

func readBucketFile(path string) (map[string]*domain.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var bucket map[string]*domain.Task
	if err := json.Unmarshal(data, &bucket); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return bucket, nil
}

func (s *Store) quarantine(key string) {
	src := s.bucketPath(key)
	if err := os.Rename(src, src+".corrupt"); err != nil {
		slog.Error("failed to quarantine bucket", "bucket", key, "error", err)
	}
}

// Get returns a copy of the task, or domain.ErrNotFound.
func (s *Store) Get(taskID string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t.Clone(), nil
}

// Put atomically writes the task through to its day bucket and updates the
// in-memory index. The bucket is derived from created_at, never from the
// current date, so a long-lived task stays in one file.
func (s *Store) Put(task *domain.Task) error {
	if task.TaskID == "" {
		return fmt.Errorf("task has no id")
	}
	key := bucketKey(task.CreatedAt)

	mu := s.lockBucket(key)
	defer mu.Unlock()

	s.mu.Lock()
	s.tasks[task.TaskID] = task.Clone()
	s.indexLocked(key, task.TaskID)
	bucket := s.snapshotBucketLocked(key)
	s.mu.Unlock()

	return s.writeBucket(key, bucket)
}

// Delete removes a task from the index and rewrites its bucket. Used by the
// retention janitor only.
func (s *Store) Delete(taskID string) error {
	s.mu.RLock()
	t, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return domain.ErrNotFound
	}
	key := bucketKey(t.CreatedAt)

	mu := s.lockBucket(key)
	defer mu.Unlock()

	s.mu.Lock()
	delete(s.tasks, taskID)
	if set, ok := s.buckets[key]; ok {
		delete(set, taskID)
		if len(set) == 0 {
			delete(s.buckets, key)
		}
	}
	bucket := s.snapshotBucketLocked(key)
	s.mu.Unlock()

	if len(bucket) == 0 {
		return os.Remove(s.bucketPath(key))
	}
	return s.writeBucket(key, bucket)
}

func (s *Store) lockBucket(key string) *sync.Mutex {
	s.bucketMuMu.Lock()
	mu, ok := s.bucketMu[key]
	if !ok {
		mu = &sync.Mutex{}
		s.bucketMu[key] = mu
	}
	s.bucketMuMu.Unlock()
	mu.Lock()
	return mu
}

// snapshotBucketLocked collects the current contents of a bucket.
// Caller holds s.mu.
func (s *Store) snapshotBucketLocked(key string) map[string]*domain.Task {
	out := make(map[string]*domain.Task)
	for id := range s.buckets[key] {
		if t, ok := s.tasks[id]; ok {
			out[id] = t
		}
	}
	return out
}

// writeBucket serializes the bucket and replaces the file atomically
// (write temp, rename). Caller holds the bucket mutex.
func (s *Store) writeBucket(key string, bucket map[string]*domain.Task) error {
	data, err := json.MarshalIndent(bucket, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bucket %s: %w", key, err)
	}
	path := s.bucketPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write bucket %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace bucket %s: %w", key, err)
	}
	return nil
}
