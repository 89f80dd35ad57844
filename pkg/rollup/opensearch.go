package rollup

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
)

// OpenSearchSearchService implements SearchService and DocIndexer against
// a live cluster.
type OpenSearchSearchService struct {
	client *opensearchapi.Client
}

// NewOpenSearchSearchService wraps an existing API client.
func NewOpenSearchSearchService(client *opensearchapi.Client) *OpenSearchSearchService {
	return &OpenSearchSearchService{client: client}
}

var (
	_ SearchService = (*OpenSearchSearchService)(nil)
	_ DocIndexer    = (*OpenSearchSearchService)(nil)
)

// compositeAggName is the aggregation name used in every rollup search.
const compositeAggName = "rollup_composite"

// buildCompositeRequest assembles the composite-aggregation search body.
func buildCompositeRequest(job *Job, afterKey map[string]any) (map[string]any, error) {
	sources := make([]map[string]any, 0, len(job.Dimensions))
	for i := range job.Dimensions {
		d := &job.Dimensions[i]
		name := d.TargetField()
		switch {
		case d.DateHistogram != nil:
			src := map[string]any{
				"field":          d.DateHistogram.SourceField,
				"fixed_interval": d.DateHistogram.FixedInterval,
			}
			if d.DateHistogram.Timezone != "" {
				src["time_zone"] = d.DateHistogram.Timezone
			}
			sources = append(sources, map[string]any{name: map[string]any{"date_histogram": src}})
		case d.Terms != nil:
			sources = append(sources, map[string]any{name: map[string]any{
				"terms": map[string]any{"field": d.Terms.SourceField},
			}})
		case d.Histogram != nil:
			sources = append(sources, map[string]any{name: map[string]any{
				"histogram": map[string]any{
					"field":    d.Histogram.SourceField,
					"interval": d.Histogram.Interval,
				},
			}})
		default:
			return nil, fmt.Errorf("dimension %d declares no known type", i)
		}
	}

	composite := map[string]any{
		"size":    job.PageSize,
		"sources": sources,
	}
	if len(afterKey) > 0 {
		composite["after"] = afterKey
	}

	aggs := map[string]any{}
	for _, m := range job.Metrics {
		for _, metric := range m.Metrics {
			aggs[m.SourceField+"."+metric] = map[string]any{
				metric: map[string]any{"field": m.SourceField},
			}
		}
	}

	compositeAgg := map[string]any{"composite": composite}
	if len(aggs) > 0 {
		compositeAgg["aggregations"] = aggs
	}

	return map[string]any{
		"size": 0,
		"aggregations": map[string]any{
			compositeAggName: compositeAgg,
		},
	}, nil
}

// compositeResponse matches the slice of the aggregation response the
// runner consumes.
type compositeResponse struct {
	AfterKey map[string]any `json:"after_key"`
	Buckets  []struct {
		Key      map[string]any `json:"key"`
		DocCount int64          `json:"doc_count"`
	} `json:"buckets"`
}

// ExecuteCompositeSearch runs one page of the composite aggregation.
func (o *OpenSearchSearchService) ExecuteCompositeSearch(ctx context.Context, job *Job, afterKey map[string]any) (*SearchPage, error) {
	body, err := buildCompositeRequest(job, afterKey)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode composite search: %w", err)
	}

	start := time.Now()
	resp, err := o.client.Search(ctx, &opensearchapi.SearchReq{
		Indices: []string{job.SourceIndex},
		Body:    bytes.NewReader(data),
	})
	if err != nil {
		return nil, fmt.Errorf("composite search on %s: %w", job.SourceIndex, err)
	}

	var aggs map[string]json.RawMessage
	if err := json.Unmarshal(resp.Aggregations, &aggs); err != nil {
		return nil, fmt.Errorf("decode aggregations: %w", err)
	}
	raw, ok := aggs[compositeAggName]
	if !ok {
		return &SearchPage{SearchTimeMillis: time.Since(start).Milliseconds()}, nil
	}

	// Buckets carry metric sub-aggregations as sibling keys; decode the
	// page twice, once typed and once raw, to pick them up.
	var typed compositeResponse
	if err := json.Unmarshal(raw, &typed); err != nil {
		return nil, fmt.Errorf("decode composite buckets: %w", err)
	}
	var loose struct {
		Buckets []map[string]json.RawMessage `json:"buckets"`
	}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, fmt.Errorf("decode composite buckets: %w", err)
	}

	page := &SearchPage{
		AfterKey:         typed.AfterKey,
		SearchTimeMillis: time.Since(start).Milliseconds(),
	}
	for i, b := range typed.Buckets {
		bucket := Bucket{Key: b.Key, DocCount: b.DocCount, Metrics: map[string]float64{}}
		if i < len(loose.Buckets) {
			for name, rawAgg := range loose.Buckets[i] {
				if name == "key" || name == "doc_count" {
					continue
				}
				var metric struct {
					Value *float64 `json:"value"`
				}
				if err := json.Unmarshal(rawAgg, &metric); err == nil && metric.Value != nil {
					bucket.Metrics[name] = *metric.Value
				}
			}
		}
		page.Buckets = append(page.Buckets, bucket)
	}
	return page, nil
}

// IndexSummaries bulk-writes one summary document per bucket. Document
// ids are derived from the job id and bucket key so replays overwrite
// rather than duplicate.
func (o *OpenSearchSearchService) IndexSummaries(ctx context.Context, job *Job, page *SearchPage) (int64, int64, error) {
	if len(page.Buckets) == 0 {
		return 0, 0, nil
	}

	var body strings.Builder
	for _, bucket := range page.Buckets {
		doc := summaryDocument(job, bucket)
		id := summaryDocID(job.ID, bucket.Key)

		action, _ := json.Marshal(map[string]any{
			"index": map[string]any{"_index": job.TargetIndex, "_id": id},
		})
		source, err := json.Marshal(doc)
		if err != nil {
			return 0, 0, fmt.Errorf("encode summary document: %w", err)
		}
		body.Write(action)
		body.WriteString("\n")
		body.Write(source)
		body.WriteString("\n")
	}

	start := time.Now()
	_, err := o.client.Bulk(ctx, opensearchapi.BulkReq{
		Body: strings.NewReader(body.String()),
	})
	if err != nil {
		return 0, time.Since(start).Milliseconds(), fmt.Errorf("bulk index rollup summaries: %w", err)
	}
	return int64(len(page.Buckets)), time.Since(start).Milliseconds(), nil
}

// summaryDocument flattens a bucket into the stored summary form.
func summaryDocument(job *Job, bucket Bucket) map[string]any {
	doc := map[string]any{
		"rollup_id":         job.ID,
		"rollup._doc_count": bucket.DocCount,
	}
	for field, value := range bucket.Key {
		doc[field] = value
	}
	for name, value := range bucket.Metrics {
		doc[name] = value
	}
	return doc
}

// summaryDocID hashes the job id and bucket key into a stable document
// id, the idempotency anchor for at-least-once page replays.
func summaryDocID(jobID string, key map[string]any) string {
	fields := make([]string, 0, len(key))
	for k := range key {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	h := sha1.New()
	h.Write([]byte(jobID))
	for _, f := range fields {
		fmt.Fprintf(h, "|%s=%v", f, key[f])
	}
	return hex.EncodeToString(h.Sum(nil))
}
