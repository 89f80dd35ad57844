package rollup

import (
	"context"
)

// Bucket is one composite bucket: its grouping key, document count, and
// computed metric values keyed "<field>.<metric>".
type Bucket struct {
	Key      map[string]any
	DocCount int64
	Metrics  map[string]float64
}

// SearchPage is one page of composite results. A nil AfterKey means the
// source is exhausted.
type SearchPage struct {
	Buckets          []Bucket
	AfterKey         map[string]any
	SearchTimeMillis int64
}

// SearchService pages composite aggregations out of the source index.
type SearchService interface {
	ExecuteCompositeSearch(ctx context.Context, job *Job, afterKey map[string]any) (*SearchPage, error)
}

// DocIndexer writes summary documents to the rollup target index.
type DocIndexer interface {
	IndexSummaries(ctx context.Context, job *Job, page *SearchPage) (indexed int64, timeMillis int64, err error)
}

// ShouldProcess decides whether a tick (or another page within a tick)
// should run, based on status and continuity.
func ShouldProcess(job *Job, md *Metadata) bool {
	if job == nil || !job.Enabled {
		return false
	}
	if md == nil {
		return true
	}
	switch md.Status {
	case StatusInit, StatusStarted, StatusRetry:
		return true
	default:
		return false
	}
}
