package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Popie52/jobclerk/internal/model"
)

const journalExt = ".jsonl"

// FileJobStore is a MemoryJobStore whose mutations are appended to one
// journal file per project and fsync'd before they become visible. Each
// journal line is a full job record; on open the last record per id wins and
// the journal is compacted.
type FileJobStore struct {
	*MemoryJobStore
	dir string
}

var _ Store = (*FileJobStore)(nil)

func NewFileJobStore(dir string) (*FileJobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	j := &fileJournal{dir: dir, files: make(map[string]*journalFile)}
	mem := NewMemoryJobStore()
	mem.journal = j

	paths, err := filepath.Glob(filepath.Join(dir, "*"+journalExt))
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		project := strings.TrimSuffix(filepath.Base(path), journalExt)
		jobs, err := replayJournal(path)
		if err != nil {
			_ = j.close()
			return nil, fmt.Errorf("replay %s: %w", path, err)
		}
		mem.restore(project, jobs)
		if err := j.open(project); err != nil {
			_ = j.close()
			return nil, err
		}
	}

	return &FileJobStore{MemoryJobStore: mem, dir: dir}, nil
}

type fileJournal struct {
	dir string

	mu    sync.Mutex
	files map[string]*journalFile
}

type journalFile struct {
	mu sync.Mutex
	f  journalWriter

	// size is the length of the journal up to its last complete record.
	size int64
	// failed is set once a partial record could not be cut off; the
	// journal refuses further appends after that.
	failed error
}

// journalWriter is the part of *os.File a journal needs.
type journalWriter interface {
	Write(p []byte) (int, error)
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Close() error
}

func (j *fileJournal) path(project string) string {
	return filepath.Join(j.dir, project+journalExt)
}

func (j *fileJournal) open(project string) error {
	f, err := os.OpenFile(j.path(project), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return j.attach(project, f)
}

func (j *fileJournal) attach(project string, f journalWriter) error {
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.files[project] = &journalFile{f: f, size: fi.Size()}
	return nil
}

func (j *fileJournal) create(project string) error {
	if err := j.open(project); err != nil {
		return err
	}
	return syncDir(j.dir)
}

func (j *fileJournal) append(job *model.Job) error {
	j.mu.Lock()
	jf, ok := j.files[job.Project]
	j.mu.Unlock()
	if !ok {
		return fmt.Errorf("no journal for project %q", job.Project)
	}

	line, err := json.Marshal(job)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	jf.mu.Lock()
	defer jf.mu.Unlock()

	if jf.failed != nil {
		return jf.failed
	}

	n, err := jf.f.Write(line)
	if err == nil {
		err = jf.f.Sync()
	}
	if err != nil {
		jf.rewind(job.Project)
		return err
	}
	jf.size += int64(n)
	return nil
}

// rewind cuts off whatever a failed append left behind so the next record
// starts on a clean line. The file is opened O_APPEND, so later writes land
// at the new end.
func (jf *journalFile) rewind(project string) {
	err := jf.f.Truncate(jf.size)
	if err == nil {
		err = jf.f.Sync()
	}
	if err != nil {
		jf.failed = fmt.Errorf("journal for project %q is unusable after a failed append: %w", project, err)
	}
}

func (j *fileJournal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var firstErr error
	for name, jf := range j.files {
		if err := jf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(j.files, name)
	}
	return firstErr
}

// Helpers

// replayJournal reads the journal at path and returns the final state of
// every job in id order. A torn last line (crash mid-append) is dropped.
func replayJournal(path string) ([]*model.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*model.Job{}, nil
		}
		return nil, err
	}

	var (
		byID    = make(map[int64]*model.Job)
		records int
		torn    bool
	)

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if torn {
			return nil, fmt.Errorf("corrupt record before end of journal")
		}

		var job model.Job
		if err := json.Unmarshal(line, &job); err != nil {
			torn = true
			continue
		}
		byID[job.ID] = &job
		records++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(byID))
	for id := int64(1); id <= int64(len(byID)); id++ {
		job, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("missing job %d", id)
		}
		jobs = append(jobs, job)
	}

	if torn || records != len(jobs) {
		if err := writeJobs(path, jobs); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// writeJobs atomically replaces the journal at path with one record per job.
func writeJobs(path string, jobs []*model.Job) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, job := range jobs {
		if err := enc.Encode(job); err != nil {
			return err
		}
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
