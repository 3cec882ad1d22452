package storage

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/goccy/go-json"

	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
)

// BadgerStorage implements ports.StoragePort over an embedded badger store.
// Insert operations are insert-if-absent and status transitions are
// conditional on the expected current status, so redelivered events and
// transient double bucket owners converge instead of conflicting.
type BadgerStorage struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open creates or reopens a badger-backed store rooted at dir. An empty dir
// opens an in-memory store.
func Open(dir string, logger *slog.Logger) (*BadgerStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, domain.NewStorageError("open", dir, err)
	}

	return &BadgerStorage{
		db:     db,
		logger: logger.With("component", "storage", "adapter", "badger"),
	}, nil
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

func putJSON(txn *badger.Txn, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), payload)
}

func getJSON(txn *badger.Txn, key string, out any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.ErrNotFound
		}
		return err
	}
	return item.Value(func(value []byte) error {
		return json.Unmarshal(value, out)
	})
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *BadgerStorage) PutWorkflow(_ context.Context, wf domain.Workflow) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, workflowKey(wf.ID), wf)
	})
	if err != nil {
		return domain.NewStorageError("put-workflow", workflowKey(wf.ID), err)
	}
	return nil
}

func (s *BadgerStorage) GetWorkflow(_ context.Context, workflowID int64) (domain.Workflow, error) {
	var wf domain.Workflow
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, workflowKey(workflowID), &wf)
	})
	return wf, err
}

func (s *BadgerStorage) DeleteWorkflow(_ context.Context, workflowID int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(workflowKey(workflowID))); err != nil {
			return err
		}
		return txn.Delete([]byte(dependencyKey(workflowID)))
	})
}

func (s *BadgerStorage) PutJobs(_ context.Context, jobs []domain.Job) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, job := range jobs {
			if err := putJSON(txn, jobKey(job.ID), job); err != nil {
				return err
			}
			if err := txn.Set([]byte(workflowJobKey(job.WorkflowID, job.ID)), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStorage) GetJob(_ context.Context, jobID int64) (domain.Job, error) {
	var job domain.Job
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, jobKey(jobID), &job)
	})
	return job, err
}

func (s *BadgerStorage) ListJobs(ctx context.Context, workflowID int64) ([]domain.Job, error) {
	var jobs []domain.Job
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(workflowJobPrefix + i64(workflowID) + ":")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			jobID := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			var job domain.Job
			if err := getJSON(txn, jobPrefix+jobID, &job); err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	return jobs, err
}

func (s *BadgerStorage) PutDependencies(_ context.Context, workflowID int64, deps []domain.Dependency) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, dependencyKey(workflowID), deps)
	})
}

func (s *BadgerStorage) ListDependencies(_ context.Context, workflowID int64) ([]domain.Dependency, error) {
	var deps []domain.Dependency
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, dependencyKey(workflowID), &deps)
	})
	if domain.IsNotFound(err) {
		return nil, nil
	}
	return deps, err
}

func (s *BadgerStorage) InsertWorkflowRun(_ context.Context, run domain.WorkflowRun) error {
	return s.db.Update(func(txn *badger.Txn) error {
		present, err := exists(txn, workflowRunKey(run.ID))
		if err != nil || present {
			return err
		}
		return putJSON(txn, workflowRunKey(run.ID), run)
	})
}

func (s *BadgerStorage) GetWorkflowRun(_ context.Context, runID int64) (domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, workflowRunKey(runID), &run)
	})
	return run, err
}

func (s *BadgerStorage) UpdateWorkflowRunStatus(_ context.Context, runID int64, expected, next domain.RunStatus) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var run domain.WorkflowRun
		if err := getJSON(txn, workflowRunKey(runID), &run); err != nil {
			return err
		}
		if run.Status != expected {
			return domain.ErrStatusMismatch
		}
		run.Status = next
		return putJSON(txn, workflowRunKey(runID), run)
	})
}

func (s *BadgerStorage) InsertJobRuns(_ context.Context, runs []domain.JobRun) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, run := range runs {
			present, err := exists(txn, jobRunKey(run.ID))
			if err != nil {
				return err
			}
			if present {
				continue
			}
			if err := putJSON(txn, jobRunKey(run.ID), run); err != nil {
				return err
			}
			if err := txn.Set([]byte(runIndexKey(run.WorkflowRunID, run.ID)), nil); err != nil {
				return err
			}
			if err := txn.Set([]byte(bucketRunKey(run.BucketID, run.ID)), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStorage) GetJobRun(_ context.Context, runID int64) (domain.JobRun, error) {
	var run domain.JobRun
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, jobRunKey(runID), &run)
	})
	return run, err
}

func (s *BadgerStorage) UpdateJobRunStatus(_ context.Context, runID int64, expected, next domain.RunStatus) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var run domain.JobRun
		if err := getJSON(txn, jobRunKey(runID), &run); err != nil {
			return err
		}
		if run.Status != expected {
			return domain.ErrStatusMismatch
		}
		run.Status = next
		return putJSON(txn, jobRunKey(runID), run)
	})
}

func (s *BadgerStorage) MirrorJobRunStatus(_ context.Context, runID int64, status domain.RunStatus) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var run domain.JobRun
		if err := getJSON(txn, jobRunKey(runID), &run); err != nil {
			return err
		}
		if run.Status == status {
			return nil
		}
		if run.Status.Terminal() {
			return domain.ErrStatusMismatch
		}
		run.Status = status
		return putJSON(txn, jobRunKey(runID), run)
	})
}

func (s *BadgerStorage) SetJobRunRetryCount(_ context.Context, runID int64, retryCount int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var run domain.JobRun
		if err := getJSON(txn, jobRunKey(runID), &run); err != nil {
			return err
		}
		run.RetryCount = retryCount
		return putJSON(txn, jobRunKey(runID), run)
	})
}

func (s *BadgerStorage) ResetJobRun(_ context.Context, runID int64, triggerTime int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var run domain.JobRun
		if err := getJSON(txn, jobRunKey(runID), &run); err != nil {
			return err
		}
		if !run.Status.Rerunnable() {
			return domain.ErrStatusMismatch
		}
		run.Status = domain.RunWaiting
		run.RetryCount = 0
		run.TriggerTime = triggerTime
		run.Op = string(domain.OpRerun)
		return putJSON(txn, jobRunKey(runID), run)
	})
}

func (s *BadgerStorage) ListJobRunsByWorkflowRun(_ context.Context, workflowRunID int64) ([]domain.JobRun, error) {
	var runs []domain.JobRun
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(runIndexPrefix + i64(workflowRunID) + ":")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			runID := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			var run domain.JobRun
			if err := getJSON(txn, jobRunPrefix+runID, &run); err != nil {
				return err
			}
			runs = append(runs, run)
		}
		return nil
	})
	return runs, err
}

func (s *BadgerStorage) ListJobRunsByBuckets(_ context.Context, buckets map[int]struct{}, statuses []domain.RunStatus) ([]domain.JobRun, error) {
	wanted := make(map[domain.RunStatus]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}

	var runs []domain.JobRun
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for bucketID := range buckets {
			prefix := []byte(bucketRunPrefix + i64(int64(bucketID)) + ":")
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				runID := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
				var run domain.JobRun
				if err := getJSON(txn, jobRunPrefix+runID, &run); err != nil {
					return err
				}
				if len(wanted) > 0 {
					if _, ok := wanted[run.Status]; !ok {
						continue
					}
				}
				runs = append(runs, run)
			}
		}
		return nil
	})
	return runs, err
}

func (s *BadgerStorage) InsertRunDependencies(_ context.Context, deps []domain.RunDependency) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, dep := range deps {
			key := runDepKey(dep.WorkflowRunID, dep.JobRunID) + ":" + i64(dep.ParentRunID)
			present, err := exists(txn, key)
			if err != nil {
				return err
			}
			if present {
				continue
			}
			if err := putJSON(txn, key, dep); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStorage) ListRunDependencies(_ context.Context, workflowRunID int64) ([]domain.RunDependency, error) {
	var deps []domain.RunDependency
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(runDepPrefix + i64(workflowRunID) + ":")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var dep domain.RunDependency
			if err := it.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &dep)
			}); err != nil {
				return err
			}
			deps = append(deps, dep)
		}
		return nil
	})
	return deps, err
}

func (s *BadgerStorage) NextPublishSeq(_ context.Context, workflowID int64) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		key := publishSeqKey(workflowID)
		if err := getJSON(txn, key, &seq); err != nil && !domain.IsNotFound(err) {
			return err
		}
		seq++
		return putJSON(txn, key, seq)
	})
	return seq, err
}

func (s *BadgerStorage) UpsertBucketLease(_ context.Context, lease domain.BucketLease) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var previous domain.BucketLease
		err := getJSON(txn, leaseKey(lease.BucketID), &previous)
		if err != nil && !domain.IsNotFound(err) {
			return err
		}
		if err == nil && previous.Owner != lease.Owner {
			if err := txn.Delete([]byte(leaseOwnerKey(previous.Owner, lease.BucketID))); err != nil {
				return err
			}
		}
		if err := putJSON(txn, leaseKey(lease.BucketID), lease); err != nil {
			return err
		}
		return txn.Set([]byte(leaseOwnerKey(lease.Owner, lease.BucketID)), nil)
	})
}

func (s *BadgerStorage) DeleteBucketLease(_ context.Context, bucketID int, owner string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var lease domain.BucketLease
		err := getJSON(txn, leaseKey(bucketID), &lease)
		if domain.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !lease.OwnedBy(owner) {
			return nil
		}
		if err := txn.Delete([]byte(leaseKey(bucketID))); err != nil {
			return err
		}
		return txn.Delete([]byte(leaseOwnerKey(owner, bucketID)))
	})
}

func (s *BadgerStorage) ListBucketLeasesByOwner(_ context.Context, owner string) ([]domain.BucketLease, error) {
	var leases []domain.BucketLease
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(leaseOwnerPrefix + owner + ":")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			bucketID := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			var lease domain.BucketLease
			if err := getJSON(txn, leasePrefix+bucketID, &lease); err != nil {
				if domain.IsNotFound(err) {
					continue
				}
				return err
			}
			leases = append(leases, lease)
		}
		return nil
	})
	return leases, err
}
