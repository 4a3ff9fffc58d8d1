// clipforge/task/manager.go
package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"

	"clipforge/config"
	"clipforge/pipeline"
	"clipforge/settings"
)

// Runner executes one job's command; the orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, cmd pipeline.Command, args string) (*pipeline.Outcome, error)
}

type Manager struct {
	cfg            *config.Config
	st             *settings.Store
	jobs           sync.Map
	jobQueue       chan *Job
	concurrencySem chan struct{}
	runner         Runner
	log            zerolog.Logger
}

func NewManager(cfg *config.Config, st *settings.Store, runner Runner, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:            cfg,
		st:             st,
		jobQueue:       make(chan *Job, 100), // Buffered queue
		concurrencySem: make(chan struct{}, cfg.MaxConcurrency),
		runner:         runner,
		log:            log.With().Str("component", "task").Logger(),
	}
}

func (m *Manager) Start(ctx context.Context) {
	m.log.Info().Int("concurrency", m.cfg.MaxConcurrency).Msg("job manager started")
	go m.cleanupLoop(ctx)
	go m.workerLoop(ctx)
}

// workerLoop pulls jobs from the queue and processes them
func (m *Manager) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("worker loop shutting down")
			return
		case job := <-m.jobQueue:
			// Wait for a free processing slot
			m.concurrencySem <- struct{}{}
			go func(j *Job) {
				defer func() { <-m.concurrencySem }() // Release slot
				m.processJob(ctx, j)
			}(job)
		}
	}
}

// processJob handles the execution of a single job
func (m *Manager) processJob(parentCtx context.Context, j *Job) {
	jobCtx, cancel := context.WithTimeout(parentCtx, m.cfg.TranscodeTimeout)
	j.cancelFunc = cancel // Store cancel func so it can be called externally
	defer cancel()

	// Check if the job was canceled while in queue
	if j.Status == StatusCanceled {
		m.log.Debug().Str("job", j.ID).Msg("job was canceled before processing")
		return
	}

	m.log.Info().Str("job", j.ID).Str("command", string(j.Command)).Msg("processing job")
	j.Status = StatusProcessing
	j.StartedAt = time.Now()
	m.jobs.Store(j.ID, j)

	outcome, err := m.runner.Run(jobCtx, j.Command, j.Args)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			m.log.Info().Str("job", j.ID).Msg("job canceled or timed out")
			j.Status = StatusCanceled
			j.Error = "Job was canceled or timed out"
		} else {
			m.log.Warn().Str("job", j.ID).Err(err).Msg("job failed")
			j.Status = StatusFailed
			j.Error = err.Error()
		}
	} else {
		m.log.Info().Str("job", j.ID).Msg("job completed")
		j.Status = StatusCompleted
		j.Outcome = outcome
	}
	j.CompletedAt = time.Now()
	m.jobs.Store(j.ID, j)
}

// cleanupLoop periodically removes output files past their lifetime.
func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.OutputLifetime / 4) // Check 4 times per lifetime
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("cleanup loop shutting down")
			return
		case <-ticker.C:
			if m.st.Persistent() {
				continue
			}
			m.jobs.Range(func(key, value interface{}) bool {
				job := value.(*Job)
				if job.Status != StatusCompleted || job.Outcome == nil {
					return true
				}
				if time.Since(job.CompletedAt) <= m.cfg.OutputLifetime {
					return true
				}
				for _, f := range job.Outcome.Files {
					if f.Path == "" {
						continue
					}
					m.log.Debug().Str("file", f.Path).Msg("removing expired output file")
					os.Remove(f.Path)
				}
				m.jobs.Delete(key)
				return true
			})
		}
	}
}

func (m *Manager) Submit(cmd pipeline.Command, args string) (*Job, error) {
	j := &Job{
		ID:        fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix()),
		Status:    StatusQueued,
		Command:   cmd,
		Args:      args,
		CreatedAt: time.Now(),
	}

	m.jobs.Store(j.ID, j)
	m.jobQueue <- j
	m.log.Debug().Str("job", j.ID).Msg("job submitted to queue")
	return j, nil
}

func (m *Manager) Get(jobID string) (*Job, bool) {
	if val, ok := m.jobs.Load(jobID); ok {
		return val.(*Job), true
	}
	return nil, false
}

func (m *Manager) List() []*Job {
	var jobList []*Job
	m.jobs.Range(func(key, value interface{}) bool {
		jobList = append(jobList, value.(*Job))
		return true
	})
	return jobList
}

func (m *Manager) Cancel(jobID string) error {
	val, ok := m.jobs.Load(jobID)
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}

	job := val.(*Job)
	switch job.Status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return fmt.Errorf("cannot cancel job in state: %s", job.Status)
	case StatusQueued:
		job.Status = StatusCanceled
		job.Error = "Canceled by user while in queue"
		m.jobs.Store(job.ID, job)
		m.log.Debug().Str("job", job.ID).Msg("job marked as canceled in queue")
	case StatusProcessing:
		if job.cancelFunc != nil {
			job.cancelFunc()
			m.log.Debug().Str("job", job.ID).Msg("cancellation signal sent to running job")
		} else {
			return fmt.Errorf("job %s is processing but has no cancellation handle", job.ID)
		}
	}
	return nil
}

// GetFilePath resolves an output filename under the storage path, refusing
// anything that would escape it.
func (m *Manager) GetFilePath(filename string) (string, error) {
	cleanFilename := filepath.Base(filename)
	if cleanFilename != filename {
		return "", fmt.Errorf("invalid filename")
	}

	fullPath := filepath.Join(m.st.StoragePath(), cleanFilename)
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return "", fmt.Errorf("file not found")
	}
	return fullPath, nil
}
