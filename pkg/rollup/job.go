// Package rollup implements continuous and one-shot aggregation jobs:
// paging composite buckets out of a source index and writing summary
// documents to a rollup target index.
package rollup

import (
	"fmt"
	"strings"

	"github.com/qreshi/index-management/pkg/scheduler"
)

// DateHistogramDimension buckets documents by a time field.
type DateHistogramDimension struct {
	SourceField   string `json:"source_field"`
	TargetField   string `json:"target_field,omitempty"`
	FixedInterval string `json:"fixed_interval"`
	Timezone      string `json:"timezone,omitempty"`
}

// TermsDimension buckets documents by exact values of a field.
type TermsDimension struct {
	SourceField string `json:"source_field"`
	TargetField string `json:"target_field,omitempty"`
}

// HistogramDimension buckets documents by numeric ranges.
type HistogramDimension struct {
	SourceField string  `json:"source_field"`
	TargetField string  `json:"target_field,omitempty"`
	Interval    float64 `json:"interval"`
}

// Dimension is the typed-union dimension declaration. Exactly one member
// is non-nil.
type Dimension struct {
	DateHistogram *DateHistogramDimension `json:"date_histogram,omitempty"`
	Terms         *TermsDimension         `json:"terms,omitempty"`
	Histogram     *HistogramDimension     `json:"histogram,omitempty"`
}

// SourceField returns the dimension's source field, and whether the
// dimension declares a known type at all.
func (d *Dimension) SourceField() (string, bool) {
	switch {
	case d == nil:
		return "", false
	case d.DateHistogram != nil:
		return d.DateHistogram.SourceField, true
	case d.Terms != nil:
		return d.Terms.SourceField, true
	case d.Histogram != nil:
		return d.Histogram.SourceField, true
	default:
		return "", false
	}
}

// TargetField returns the field name summaries are written under.
func (d *Dimension) TargetField() string {
	switch {
	case d == nil:
		return ""
	case d.DateHistogram != nil && d.DateHistogram.TargetField != "":
		return d.DateHistogram.TargetField
	case d.Terms != nil && d.Terms.TargetField != "":
		return d.Terms.TargetField
	case d.Histogram != nil && d.Histogram.TargetField != "":
		return d.Histogram.TargetField
	default:
		src, _ := d.SourceField()
		return src
	}
}

// MetricConfig aggregates one source field with one or more metrics.
type MetricConfig struct {
	SourceField string   `json:"source_field"`
	Metrics     []string `json:"metrics"`
}

// Job is the rollup job-config document.
type Job struct {
	ID          string `json:"-"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`

	SourceIndex string `json:"source_index"`
	TargetIndex string `json:"target_index"`

	MetadataID string `json:"metadata_id,omitempty"`

	PageSize   int    `json:"page_size"`
	Continuous bool   `json:"continuous,omitempty"`
	Delay      string `json:"delay,omitempty"`

	Schedule    *scheduler.IntervalSchedule `json:"schedule,omitempty"`
	Dimensions  []Dimension                 `json:"dimensions"`
	Metrics     []MetricConfig              `json:"metrics,omitempty"`
	EnabledTime int64                       `json:"enabled_time,omitempty"`
	LastUpdated int64                       `json:"last_updated_time,omitempty"`
}

// JobID implements scheduler.ScheduledJob.
func (j *Job) JobID() string { return j.ID }

// JobEnabled implements scheduler.ScheduledJob.
func (j *Job) JobEnabled() bool { return j != nil && j.Enabled }

// JobSchedule implements scheduler.ScheduledJob.
func (j *Job) JobSchedule() *scheduler.IntervalSchedule { return j.Schedule }

// Validate checks the structural invariants of a job.
func (j *Job) Validate() error {
	if j == nil {
		return fmt.Errorf("rollup job is nil")
	}
	if strings.TrimSpace(j.SourceIndex) == "" {
		return fmt.Errorf("rollup job requires a source index")
	}
	if strings.TrimSpace(j.TargetIndex) == "" {
		return fmt.Errorf("rollup job requires a target index")
	}
	if j.SourceIndex == j.TargetIndex {
		return fmt.Errorf("rollup source and target index must differ")
	}
	if j.PageSize <= 0 {
		return fmt.Errorf("rollup page size must be positive")
	}
	if len(j.Dimensions) == 0 {
		return fmt.Errorf("rollup job requires at least one dimension")
	}
	for i := range j.Dimensions {
		if _, ok := j.Dimensions[i].SourceField(); !ok {
			return fmt.Errorf("dimension %d declares no known type", i)
		}
	}
	return nil
}

// jobEnvelope is the stored form of the job document.
type jobEnvelope struct {
	Rollup *Job `json:"rollup"`
}

// metadataEnvelope is the stored form of the metadata document.
type metadataEnvelope struct {
	Metadata *Metadata `json:"rollup_metadata"`
}
