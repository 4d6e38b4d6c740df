package cron

import "fmt"

// Add normalizes and persists a new job, arming the timer for it.
func (s *Scheduler) Add(job *Job) (*Job, error) {
	s.mu.Lock()
	nowMs := s.now().UnixMilli()
	normalized, err := NormalizeCreate(job, nowMs)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.store.Get(normalized.ID) != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("job already exists: %s", normalized.ID)
	}
	normalized.Enabled = true
	s.primeLocked(normalized, nowMs)
	s.store.Upsert(normalized)
	err = s.store.Save()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.Kick()
	return normalized, nil
}

// Patch applies a partial update to an existing job.
func (s *Scheduler) Patch(jobID string, patch *Job) (*Job, error) {
	s.mu.Lock()
	base := s.store.Get(jobID)
	if base == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	nowMs := s.now().UnixMilli()
	merged, err := NormalizePatch(base, patch, nowMs)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.primeLocked(merged, nowMs)
	s.store.Upsert(merged)
	err = s.store.Save()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.Kick()
	return merged, nil
}

// SetEnabled toggles a job without touching its other fields.
func (s *Scheduler) SetEnabled(jobID string, enabled bool) (*Job, error) {
	s.mu.Lock()
	job := s.store.Get(jobID)
	if job == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	job.Enabled = enabled
	job.UpdatedAtMs = s.now().UnixMilli()
	if enabled && job.State.NextRunAtMs == 0 {
		s.primeLocked(job, job.UpdatedAtMs)
	}
	err := s.store.Save()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.Kick()
	return job, nil
}

// Delete removes a job.
func (s *Scheduler) Delete(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.store.Remove(jobID) {
		return fmt.Errorf("job not found: %s", jobID)
	}
	return s.store.Save()
}

// List returns a snapshot of all jobs.
func (s *Scheduler) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.store.Jobs))
	for _, job := range s.store.Jobs {
		copied := *job
		out = append(out, &copied)
	}
	return out
}

// Get returns a snapshot of one job, or nil.
func (s *Scheduler) Get(jobID string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.store.Get(jobID)
	if job == nil {
		return nil
	}
	copied := *job
	return &copied
}

// JobNames returns the id→name map used to decorate cross-job run-log
// reads.
func (s *Scheduler) JobNames() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make(map[string]string, len(s.store.Jobs))
	for _, job := range s.store.Jobs {
		names[job.ID] = job.Name
	}
	return names
}
