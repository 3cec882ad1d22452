package storage

import (
	"context"
	"sync"

	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
)

// MemoryStorage is a map-backed ports.StoragePort with the same conditional
// semantics as the badger adapter. It backs single-node development and the
// package tests of everything that talks to storage.
type MemoryStorage struct {
	mu sync.RWMutex

	workflows    map[int64]domain.Workflow
	jobs         map[int64]domain.Job
	workflowJobs map[int64][]int64
	dependencies map[int64][]domain.Dependency
	workflowRuns map[int64]domain.WorkflowRun
	jobRuns      map[int64]domain.JobRun
	runDeps      map[int64][]domain.RunDependency
	leases       map[int]domain.BucketLease
	publishSeqs  map[int64]uint64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows:    make(map[int64]domain.Workflow),
		jobs:         make(map[int64]domain.Job),
		workflowJobs: make(map[int64][]int64),
		dependencies: make(map[int64][]domain.Dependency),
		workflowRuns: make(map[int64]domain.WorkflowRun),
		jobRuns:      make(map[int64]domain.JobRun),
		runDeps:      make(map[int64][]domain.RunDependency),
		leases:       make(map[int]domain.BucketLease),
		publishSeqs:  make(map[int64]uint64),
	}
}

func (s *MemoryStorage) Close() error { return nil }

func (s *MemoryStorage) PutWorkflow(_ context.Context, wf domain.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = wf
	return nil
}

func (s *MemoryStorage) GetWorkflow(_ context.Context, workflowID int64) (domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return domain.Workflow{}, domain.ErrNotFound
	}
	return wf, nil
}

func (s *MemoryStorage) DeleteWorkflow(_ context.Context, workflowID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, workflowID)
	delete(s.dependencies, workflowID)
	for _, jobID := range s.workflowJobs[workflowID] {
		delete(s.jobs, jobID)
	}
	delete(s.workflowJobs, workflowID)
	return nil
}

func (s *MemoryStorage) PutJobs(_ context.Context, jobs []domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		if _, known := s.jobs[job.ID]; !known {
			s.workflowJobs[job.WorkflowID] = append(s.workflowJobs[job.WorkflowID], job.ID)
		}
		s.jobs[job.ID] = job
	}
	return nil
}

func (s *MemoryStorage) GetJob(_ context.Context, jobID int64) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return job, nil
}

func (s *MemoryStorage) ListJobs(_ context.Context, workflowID int64) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []domain.Job
	for _, jobID := range s.workflowJobs[workflowID] {
		if job, ok := s.jobs[jobID]; ok {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *MemoryStorage) PutDependencies(_ context.Context, workflowID int64, deps []domain.Dependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dependencies[workflowID] = append([]domain.Dependency(nil), deps...)
	return nil
}

func (s *MemoryStorage) ListDependencies(_ context.Context, workflowID int64) ([]domain.Dependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Dependency(nil), s.dependencies[workflowID]...), nil
}

func (s *MemoryStorage) InsertWorkflowRun(_ context.Context, run domain.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, present := s.workflowRuns[run.ID]; present {
		return nil
	}
	s.workflowRuns[run.ID] = run
	return nil
}

func (s *MemoryStorage) GetWorkflowRun(_ context.Context, runID int64) (domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.workflowRuns[runID]
	if !ok {
		return domain.WorkflowRun{}, domain.ErrNotFound
	}
	return run, nil
}

func (s *MemoryStorage) UpdateWorkflowRunStatus(_ context.Context, runID int64, expected, next domain.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.workflowRuns[runID]
	if !ok {
		return domain.ErrNotFound
	}
	if run.Status != expected {
		return domain.ErrStatusMismatch
	}
	run.Status = next
	s.workflowRuns[runID] = run
	return nil
}

func (s *MemoryStorage) InsertJobRuns(_ context.Context, runs []domain.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range runs {
		if _, present := s.jobRuns[run.ID]; present {
			continue
		}
		s.jobRuns[run.ID] = run
	}
	return nil
}

func (s *MemoryStorage) GetJobRun(_ context.Context, runID int64) (domain.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.jobRuns[runID]
	if !ok {
		return domain.JobRun{}, domain.ErrNotFound
	}
	return run, nil
}

func (s *MemoryStorage) UpdateJobRunStatus(_ context.Context, runID int64, expected, next domain.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.jobRuns[runID]
	if !ok {
		return domain.ErrNotFound
	}
	if run.Status != expected {
		return domain.ErrStatusMismatch
	}
	run.Status = next
	s.jobRuns[runID] = run
	return nil
}

func (s *MemoryStorage) MirrorJobRunStatus(_ context.Context, runID int64, status domain.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.jobRuns[runID]
	if !ok {
		return domain.ErrNotFound
	}
	if run.Status == status {
		return nil
	}
	if run.Status.Terminal() {
		return domain.ErrStatusMismatch
	}
	run.Status = status
	s.jobRuns[runID] = run
	return nil
}

func (s *MemoryStorage) SetJobRunRetryCount(_ context.Context, runID int64, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.jobRuns[runID]
	if !ok {
		return domain.ErrNotFound
	}
	run.RetryCount = retryCount
	s.jobRuns[runID] = run
	return nil
}

func (s *MemoryStorage) ResetJobRun(_ context.Context, runID int64, triggerTime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.jobRuns[runID]
	if !ok {
		return domain.ErrNotFound
	}
	if !run.Status.Rerunnable() {
		return domain.ErrStatusMismatch
	}
	run.Status = domain.RunWaiting
	run.RetryCount = 0
	run.TriggerTime = triggerTime
	run.Op = string(domain.OpRerun)
	s.jobRuns[runID] = run
	return nil
}

func (s *MemoryStorage) ListJobRunsByWorkflowRun(_ context.Context, workflowRunID int64) ([]domain.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []domain.JobRun
	for _, run := range s.jobRuns {
		if run.WorkflowRunID == workflowRunID {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

func (s *MemoryStorage) ListJobRunsByBuckets(_ context.Context, buckets map[int]struct{}, statuses []domain.RunStatus) ([]domain.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[domain.RunStatus]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}

	var runs []domain.JobRun
	for _, run := range s.jobRuns {
		if _, owned := buckets[run.BucketID]; !owned {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[run.Status]; !ok {
				continue
			}
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *MemoryStorage) InsertRunDependencies(_ context.Context, deps []domain.RunDependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range deps {
		duplicate := false
		for _, existing := range s.runDeps[dep.WorkflowRunID] {
			if existing.JobRunID == dep.JobRunID && existing.ParentRunID == dep.ParentRunID {
				duplicate = true
				break
			}
		}
		if !duplicate {
			s.runDeps[dep.WorkflowRunID] = append(s.runDeps[dep.WorkflowRunID], dep)
		}
	}
	return nil
}

func (s *MemoryStorage) ListRunDependencies(_ context.Context, workflowRunID int64) ([]domain.RunDependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.RunDependency(nil), s.runDeps[workflowRunID]...), nil
}

func (s *MemoryStorage) NextPublishSeq(_ context.Context, workflowID int64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishSeqs[workflowID]++
	return s.publishSeqs[workflowID], nil
}

func (s *MemoryStorage) UpsertBucketLease(_ context.Context, lease domain.BucketLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[lease.BucketID] = lease
	return nil
}

func (s *MemoryStorage) DeleteBucketLease(_ context.Context, bucketID int, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lease, ok := s.leases[bucketID]; ok && lease.OwnedBy(owner) {
		delete(s.leases, bucketID)
	}
	return nil
}

func (s *MemoryStorage) ListBucketLeasesByOwner(_ context.Context, owner string) ([]domain.BucketLease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var leases []domain.BucketLease
	for _, lease := range s.leases {
		if lease.OwnedBy(owner) {
			leases = append(leases, lease)
		}
	}
	return leases, nil
}
