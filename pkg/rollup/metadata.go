package rollup

// Status is the persisted lifecycle status of a rollup job's metadata.
//
// NOTE: These values are part of the stable stored contract.
type Status string

const (
	StatusInit     Status = "init"
	StatusStarted  Status = "started"
	StatusStopped  Status = "stopped"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusRetry    Status = "retry"
)

// Terminal reports whether no further pages will be processed.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFinished || s == StatusFailed
}

// Stats accumulates work counters across pages and ticks.
type Stats struct {
	PagesProcessed     int64 `json:"pages_processed"`
	DocumentsProcessed int64 `json:"documents_processed"`
	RollupsIndexed     int64 `json:"rollups_indexed"`
	IndexTimeMillis    int64 `json:"index_time_in_millis"`
	SearchTimeMillis   int64 `json:"search_time_in_millis"`
}

// Merge folds one page's counters into the running totals.
func (s Stats) Merge(other Stats) Stats {
	return Stats{
		PagesProcessed:     s.PagesProcessed + other.PagesProcessed,
		DocumentsProcessed: s.DocumentsProcessed + other.DocumentsProcessed,
		RollupsIndexed:     s.RollupsIndexed + other.RollupsIndexed,
		IndexTimeMillis:    s.IndexTimeMillis + other.IndexTimeMillis,
		SearchTimeMillis:   s.SearchTimeMillis + other.SearchTimeMillis,
	}
}

// ContinuousStats tracks the most recent pass of a continuous job,
// separate from the lifetime totals in Stats. It is reset at the start
// of every tick that processes pages.
type ContinuousStats struct {
	LastTickTime       int64 `json:"last_tick_time"`
	PagesProcessed     int64 `json:"pages_processed"`
	DocumentsProcessed int64 `json:"documents_processed"`
	RollupsIndexed     int64 `json:"rollups_indexed"`
}

// Metadata is the rollup job-metadata document: the paging cursor,
// status, counters, and failure reason.
type Metadata struct {
	ID       string `json:"-"`
	RollupID string `json:"rollup_id"`

	Status          Status           `json:"status"`
	AfterKey        map[string]any   `json:"after_key,omitempty"`
	Stats           Stats            `json:"stats"`
	ContinuousStats *ContinuousStats `json:"continuous_stats,omitempty"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	LastUpdated     int64            `json:"last_updated_time,omitempty"`
}
