package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
)

// OpenSearch implements StateReader and Admin against a live cluster.
type OpenSearch struct {
	client *opensearchapi.Client
}

// NewOpenSearch wraps an existing API client.
func NewOpenSearch(client *opensearchapi.Client) *OpenSearch {
	return &OpenSearch{client: client}
}

var (
	_ StateReader = (*OpenSearch)(nil)
	_ Admin       = (*OpenSearch)(nil)
)

// indexGetBody matches the per-index payload of the indices get API.
type indexGetBody struct {
	Aliases  map[string]json.RawMessage `json:"aliases"`
	Settings struct {
		Index map[string]json.RawMessage `json:"index"`
	} `json:"settings"`
}

// Index resolves one index. Returns (nil, nil) when the index is gone.
func (o *OpenSearch) Index(ctx context.Context, name string) (*IndexMetadata, error) {
	if o == nil || o.client == nil {
		return nil, errors.New("cluster client is not initialized")
	}

	resp, err := o.client.Indices.Get(ctx, opensearchapi.IndicesGetReq{
		Indices: []string{name},
	})
	if err != nil {
		if isIndexNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get index %s: %w", name, err)
	}

	raw, err := json.Marshal(resp.Indices)
	if err != nil {
		return nil, fmt.Errorf("decode index %s: %w", name, err)
	}
	var indices map[string]indexGetBody
	if err := json.Unmarshal(raw, &indices); err != nil {
		return nil, fmt.Errorf("decode index %s: %w", name, err)
	}
	body, ok := indices[name]
	if !ok {
		return nil, nil
	}

	md := &IndexMetadata{Name: name, Open: true}
	for alias := range body.Aliases {
		md.Aliases = append(md.Aliases, alias)
	}

	settings := body.Settings.Index
	md.UUID = settingString(settings, "uuid")
	md.PolicyID = settingString(settings, "plugins.index_state_management.policy_id")
	md.RolloverAlias = settingString(settings, "plugins.index_state_management.rollover_alias")
	md.RollupIndex = settingString(settings, "plugins.rollup_index") == "true"
	md.WriteBlocked = settingString(settings, "blocks.write") == "true"
	if v := settingString(settings, "creation_date"); v != "" {
		if millis, err := strconv.ParseInt(v, 10, 64); err == nil {
			md.CreationDate = time.UnixMilli(millis).UTC()
		}
	}
	if settingString(settings, "verified_before_close") == "true" {
		md.Open = false
	}

	md.DocsCount, _ = o.docCount(ctx, name)

	return md, nil
}

// docCount is best-effort; transition conditions tolerate a zero count.
func (o *OpenSearch) docCount(ctx context.Context, name string) (int64, error) {
	resp, err := o.client.Search(ctx, &opensearchapi.SearchReq{
		Indices: []string{name},
		Body:    strings.NewReader(`{"size":0,"track_total_hits":true}`),
	})
	if err != nil {
		return 0, err
	}
	return int64(resp.Hits.Total.Value), nil
}

func settingString(settings map[string]json.RawMessage, key string) string {
	raw, ok := settings[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

func (o *OpenSearch) OpenIndex(ctx context.Context, name string) error {
	_, err := o.client.Indices.Open(ctx, opensearchapi.IndicesOpenReq{Index: name})
	if err != nil && !isIndexNotFound(err) {
		return fmt.Errorf("open index %s: %w", name, err)
	}
	return err
}

func (o *OpenSearch) CloseIndex(ctx context.Context, name string) error {
	_, err := o.client.Indices.Close(ctx, opensearchapi.IndicesCloseReq{Index: name})
	if err != nil {
		return fmt.Errorf("close index %s: %w", name, err)
	}
	return nil
}

func (o *OpenSearch) SetWriteBlock(ctx context.Context, name string, blocked bool) error {
	body, _ := json.Marshal(map[string]any{SettingBlocksWrite: blocked})
	_, err := o.client.Indices.Settings.Put(ctx, opensearchapi.SettingsPutReq{
		Indices: []string{name},
		Body:    bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("set write block on %s: %w", name, err)
	}
	return nil
}

// Rollover issues a conditional rollover on the alias. Condition
// evaluation happens server-side; the result reports whether any
// condition was met.
func (o *OpenSearch) Rollover(ctx context.Context, alias string, conditions map[string]any) (*RolloverResult, error) {
	var body *bytes.Reader
	if len(conditions) > 0 {
		data, err := json.Marshal(map[string]any{"conditions": conditions})
		if err != nil {
			return nil, fmt.Errorf("encode rollover conditions: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req := opensearchapi.IndicesRolloverReq{Alias: alias}
	if body != nil {
		req.Body = body
	}
	resp, err := o.client.Indices.Rollover(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("rollover alias %s: %w", alias, err)
	}

	return &RolloverResult{
		RolledOver: resp.RolledOver,
		OldIndex:   resp.OldIndex,
		NewIndex:   resp.NewIndex,
	}, nil
}

func (o *OpenSearch) DeleteIndex(ctx context.Context, name string) error {
	_, err := o.client.Indices.Delete(ctx, opensearchapi.IndicesDeleteReq{
		Indices: []string{name},
	})
	if err != nil {
		if isIndexNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete index %s: %w", name, err)
	}
	return nil
}

func (o *OpenSearch) ForceMerge(ctx context.Context, name string, maxSegments int) error {
	req := opensearchapi.IndicesForcemergeReq{Indices: []string{name}}
	if maxSegments > 0 {
		req.Params = opensearchapi.IndicesForcemergeParams{MaxNumSegments: &maxSegments}
	}
	_, err := o.client.Indices.Forcemerge(ctx, &req)
	if err != nil {
		return fmt.Errorf("force merge %s: %w", name, err)
	}
	return nil
}

func (o *OpenSearch) PutMapping(ctx context.Context, name string, mapping map[string]any) error {
	data, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	_, err = o.client.Indices.Mapping.Put(ctx, opensearchapi.MappingPutReq{
		Indices: []string{name},
		Body:    bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put mapping on %s: %w", name, err)
	}
	return nil
}

// EnsureIndex creates the index when absent; an existing index is fine.
func (o *OpenSearch) EnsureIndex(ctx context.Context, name string, body map[string]any) error {
	req := opensearchapi.IndicesCreateReq{Index: name}
	if len(body) > 0 {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode index body: %w", err)
		}
		req.Body = bytes.NewReader(data)
	}
	_, err := o.client.Indices.Create(ctx, req)
	if err != nil {
		var structErr *opensearch.StructError
		if errors.As(err, &structErr) && structErr.Err.Type == "resource_already_exists_exception" {
			return nil
		}
		return fmt.Errorf("create index %s: %w", name, err)
	}
	return nil
}

func (o *OpenSearch) IndexExists(ctx context.Context, name string) (bool, error) {
	resp, err := o.client.Indices.Exists(ctx, opensearchapi.IndicesExistsReq{
		Indices: []string{name},
	})
	if err != nil {
		if isIndexNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("index exists %s: %w", name, err)
	}
	return resp.StatusCode == 200, nil
}

func isIndexNotFound(err error) bool {
	var structErr *opensearch.StructError
	if errors.As(err, &structErr) {
		return structErr.Err.Type == "index_not_found_exception"
	}
	return false
}
