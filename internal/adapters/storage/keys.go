package storage

import "strconv"

// Key layout. Colon-terminated prefixes keep numeric segments from matching
// their decimal extensions during prefix scans.
const (
	workflowPrefix    = "wf:"
	jobPrefix         = "job:"
	workflowJobPrefix = "wfjob:"
	dependencyPrefix  = "dep:"
	workflowRunPrefix = "wfrun:"
	jobRunPrefix      = "jobrun:"
	runIndexPrefix    = "wfrunidx:"
	bucketRunPrefix   = "bucketrun:"
	runDepPrefix      = "rundep:"
	leasePrefix       = "lease:"
	leaseOwnerPrefix  = "leaseowner:"
	publishSeqPrefix  = "pubseq:"
)

func i64(v int64) string {
	return strconv.FormatInt(v, 10)
}

func workflowKey(id int64) string          { return workflowPrefix + i64(id) }
func jobKey(id int64) string               { return jobPrefix + i64(id) }
func workflowJobKey(wf, job int64) string  { return workflowJobPrefix + i64(wf) + ":" + i64(job) }
func dependencyKey(wf int64) string        { return dependencyPrefix + i64(wf) }
func workflowRunKey(id int64) string       { return workflowRunPrefix + i64(id) }
func jobRunKey(id int64) string            { return jobRunPrefix + i64(id) }
func runIndexKey(wfRun, run int64) string  { return runIndexPrefix + i64(wfRun) + ":" + i64(run) }
func bucketRunKey(b int, run int64) string { return bucketRunPrefix + strconv.Itoa(b) + ":" + i64(run) }
func runDepKey(wfRun, dep int64) string    { return runDepPrefix + i64(wfRun) + ":" + i64(dep) }
func leaseKey(bucket int) string           { return leasePrefix + strconv.Itoa(bucket) }
func publishSeqKey(wf int64) string        { return publishSeqPrefix + i64(wf) }
func leaseOwnerKey(owner string, bucket int) string {
	return leaseOwnerPrefix + owner + ":" + strconv.Itoa(bucket)
}
