// Package flashjob is the glue between the HTTP /upload endpoint, the HEX
// streaming parser and the NVMC flash engine: it implements hexstream.Sink
// by erasing covering pages then programming the coalesced buffer, and
// publishes progress for /progress polling.
package flashjob

import (
	"io"
	"sync"

	"github.com/soup0r/meshflasher/internal/hexstream"
	"github.com/soup0r/meshflasher/internal/nvmc"
	"github.com/soup0r/meshflasher/internal/obslog"
)

var log = obslog.New("flashjob")

// Progress is the JSON-shaped snapshot served by GET /progress.
type Progress struct {
	InProgress bool   `json:"in_progress"`
	Received   int64  `json:"received"`
	Flashed    int64  `json:"flashed"`
	Total      int64  `json:"total"`
	Message    string `json:"message"`
}

// flashSink adapts an nvmc.Engine to hexstream.Sink: erase the pages a
// coalesced chunk covers (idempotent if already erased), then program it.
type flashSink struct {
	engine *nvmc.Engine
	job    *Job
}

func (s *flashSink) Write(base uint32, data []byte) error {
	firstPage := base &^ (nvmc.PageSize - 1)
	lastPage := (base + uint32(len(data)) - 1) &^ (nvmc.PageSize - 1)
	for page := firstPage; page <= lastPage; page += nvmc.PageSize {
		if err := s.engine.ErasePage(page); err != nil {
			return err
		}
	}
	if err := s.engine.ProgramBuffer(base, data); err != nil {
		return err
	}
	s.job.addFlashed(int64(len(data)))
	return nil
}

func (s *flashSink) Flush() error { return nil }

// Job runs one streamed-HEX-to-flash operation and tracks its progress.
type Job struct {
	mu       sync.Mutex
	progress Progress
}

// NewJob constructs a Job, total is the expected byte count (e.g. from
// Content-Length) for progress reporting; 0 if unknown.
func NewJob(total int64) *Job {
	return &Job{progress: Progress{Total: total}}
}

func (j *Job) addFlashed(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress.Flashed += n
}

func (j *Job) setReceived(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress.Received = n
}

func (j *Job) setMessage(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress.Message = msg
}

// Snapshot returns a copy of the current progress for JSON encoding.
func (j *Job) Snapshot() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

type countingReader struct {
	r   io.Reader
	job *Job
	n   int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	c.job.setReceived(c.n)
	return n, err
}

// Run streams r through the HEX parser into the NVMC engine, biasing the
// default base address per defaultBase when the stream carries no extended
// linear address record of its own.
func (j *Job) Run(engine *nvmc.Engine, r io.Reader, defaultBase uint32) error {
	j.mu.Lock()
	j.progress.InProgress = true
	j.progress.Message = "flashing"
	j.mu.Unlock()

	sink := &flashSink{engine: engine, job: j}
	parser := hexstream.NewParser(sink)
	parser.SetDefaultBase(defaultBase)

	cr := &countingReader{r: r, job: j}
	err := parser.Parse(cr)

	j.mu.Lock()
	j.progress.InProgress = false
	if err != nil {
		j.progress.Message = err.Error()
	} else {
		j.progress.Message = "done"
	}
	j.mu.Unlock()

	if err != nil {
		log.WithError(err).Warn("flash job failed")
	}
	return err
}

// BaseForKind returns the overrides map value for kind, or the "full"
// default (0x0) if kind is unrecognized.
func BaseForKind(overrides map[string]uint32, kind string) uint32 {
	if v, ok := overrides[kind]; ok {
		return v
	}
	return overrides["full"]
}
