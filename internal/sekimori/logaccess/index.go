// Package logaccess indexes per-container log files and enforces the
// owner-only read policy's mechanics: index resolution, line-capped reads,
// and DoS-guarded search.
//
// The ownership decision itself lives in the policy engine; this package
// only answers "who owns task X" and "what may container Y enumerate".
package logaccess

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Entry is one indexed log file.
type Entry struct {
	ContainerID string    `json:"container_id"`
	TaskID      string    `json:"task_id"`
	ThreadID    string    `json:"thread_id,omitempty"`
	FilePath    string    `json:"file_path"`
	Timestamp   time.Time `json:"timestamp"`
}

// indexFile is the on-disk shape of log-index.json.
type indexFile struct {
	// Tasks maps task-id → owning container-id.
	Tasks map[string]string `json:"tasks"`
	// Threads maps thread-id → task-id.
	Threads map[string]string `json:"threads"`
	// Entries is the append-only list of indexed files.
	Entries []Entry `json:"entries"`
}

// Index is the loaded log index. Reads are served from memory; Reload picks
// up changes written by the indexing collaborator.
type Index struct {
	mu   sync.Mutex
	path string
	data indexFile
}

// LoadIndex reads log-index.json from path. A missing file yields an empty
// index; a corrupted file is an error (the caller decides whether to start).
func LoadIndex(path string) (*Index, error) {
	idx := &Index{path: path}
	if err := idx.Reload(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Reload re-reads the index file.
func (i *Index) Reload() error {
	data, err := os.ReadFile(i.path)
	if errors.Is(err, os.ErrNotExist) {
		i.mu.Lock()
		i.data = indexFile{Tasks: map[string]string{}, Threads: map[string]string{}}
		i.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("logaccess: read index %s: %w", i.path, err)
	}

	var parsed indexFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("logaccess: parse index %s: %w", i.path, err)
	}
	if parsed.Tasks == nil {
		parsed.Tasks = map[string]string{}
	}
	if parsed.Threads == nil {
		parsed.Threads = map[string]string{}
	}

	i.mu.Lock()
	i.data = parsed
	i.mu.Unlock()
	return nil
}

// ContainerForTask resolves a task ID to its owning container.
func (i *Index) ContainerForTask(taskID string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	c, ok := i.data.Tasks[taskID]
	return c, ok
}

// TaskForThread resolves a thread ID to its task.
func (i *Index) TaskForThread(threadID string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	t, ok := i.data.Threads[threadID]
	return t, ok
}

// EntriesForContainer returns every indexed entry owned by the container.
func (i *Index) EntriesForContainer(containerID string) []Entry {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []Entry
	for _, e := range i.data.Entries {
		if e.ContainerID == containerID {
			out = append(out, e)
		}
	}
	return out
}

// EntriesForTask returns the indexed entries for one task.
func (i *Index) EntriesForTask(taskID string) []Entry {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []Entry
	for _, e := range i.data.Entries {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}
