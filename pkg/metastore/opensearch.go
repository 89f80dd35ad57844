package metastore

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"

	"github.com/qreshi/index-management/pkg/retry"
)

// Config configures the OpenSearch-backed store.
type Config struct {
	Addresses []string `mapstructure:"addresses" yaml:"addresses"`
	Username  string   `mapstructure:"username" yaml:"username"`
	Password  string   `mapstructure:"password" yaml:"password"`
	Insecure  bool     `mapstructure:"insecure" yaml:"insecure"`
}

// Client implements DocumentStore and SettingsUpdater against OpenSearch.
type Client struct {
	client *opensearchapi.Client
}

// NewClient connects to the cluster described by cfg.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("metastore: at least one address is required")
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.Insecure},
	}

	client, err := opensearchapi.NewClient(opensearchapi.Config{
		Client: opensearch.Config{
			Addresses:  cfg.Addresses,
			Username:   cfg.Username,
			Password:   cfg.Password,
			Transport:  transport,
			MaxRetries: 3,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("metastore: client creation: %w", err)
	}

	return &Client{client: client}, nil
}

// NewClientFrom wraps an existing opensearchapi client.
func NewClientFrom(client *opensearchapi.Client) *Client {
	return &Client{client: client}
}

// API returns the underlying opensearchapi client for collaborators that
// share the connection (cluster-state reader, rollup search).
func (c *Client) API() *opensearchapi.Client {
	return c.client
}

// GetDocument fetches a document by id. Missing documents and documents
// with an empty source return (nil, nil).
func (c *Client) GetDocument(ctx context.Context, index, id string) (*Document, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("metastore client is not initialized")
	}

	resp, err := c.client.Document.Get(ctx, opensearchapi.DocumentGetReq{
		Index:      index,
		DocumentID: id,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, classify(fmt.Errorf("get document %s/%s: %w", index, id, err))
	}
	if resp == nil || !resp.Found || len(resp.Source) == 0 {
		return nil, nil
	}

	doc := &Document{
		ID:          id,
		SeqNo:       SeqNoUnassigned,
		PrimaryTerm: PrimaryTermUnassigned,
		Source:      resp.Source,
	}
	doc.SeqNo = int64(resp.SeqNo)
	doc.PrimaryTerm = int64(resp.PrimaryTerm)
	return doc, nil
}

// PutDocument writes a document, optionally guarded by cas.
func (c *Client) PutDocument(ctx context.Context, index, id string, body any, cas *CAS) (*Document, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("metastore client is not initialized")
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode document %s/%s: %w", index, id, err)
	}

	params := opensearchapi.IndexParams{Refresh: "true"}
	if cas != nil {
		seqNo := int(cas.SeqNo)
		primaryTerm := int(cas.PrimaryTerm)
		params.IfSeqNo = &seqNo
		params.IfPrimaryTerm = &primaryTerm
	}

	resp, err := c.client.Index(ctx, opensearchapi.IndexReq{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(data),
		Params:     params,
	})
	if err != nil {
		if isVersionConflict(err) {
			return nil, fmt.Errorf("put document %s/%s: %w", index, id, ErrVersionConflict)
		}
		return nil, classify(fmt.Errorf("put document %s/%s: %w", index, id, err))
	}

	return &Document{
		ID:          id,
		SeqNo:       int64(resp.SeqNo),
		PrimaryTerm: int64(resp.PrimaryTerm),
		Source:      data,
	}, nil
}

// DeleteDocument removes a document. Missing documents are not an error.
func (c *Client) DeleteDocument(ctx context.Context, index, id string) error {
	if c == nil || c.client == nil {
		return errors.New("metastore client is not initialized")
	}

	_, err := c.client.Document.Delete(ctx, opensearchapi.DocumentDeleteReq{
		Index:      index,
		DocumentID: id,
		Params:     opensearchapi.DocumentDeleteParams{Refresh: "true"},
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return classify(fmt.Errorf("delete document %s/%s: %w", index, id, err))
	}
	return nil
}

// ListDocuments sweeps one index with a match-all search. The management
// index stays small (one config and one metadata document per job), so a
// single page is sufficient.
func (c *Client) ListDocuments(ctx context.Context, index string) ([]Document, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("metastore client is not initialized")
	}

	resp, err := c.client.Search(ctx, &opensearchapi.SearchReq{
		Indices: []string{index},
		Body:    strings.NewReader(`{"size":10000,"query":{"match_all":{}},"seq_no_primary_term":true}`),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, classify(fmt.Errorf("list documents in %s: %w", index, err))
	}

	out := make([]Document, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		doc := Document{
			ID:          hit.ID,
			SeqNo:       SeqNoUnassigned,
			PrimaryTerm: PrimaryTermUnassigned,
			Source:      hit.Source,
		}
		if hit.SeqNo != nil {
			doc.SeqNo = int64(*hit.SeqNo)
		}
		if hit.PrimaryTerm != nil {
			doc.PrimaryTerm = int64(*hit.PrimaryTerm)
		}
		out = append(out, doc)
	}
	return out, nil
}

// UpdateIndexSetting applies one dynamic setting to an index.
func (c *Client) UpdateIndexSetting(ctx context.Context, index, key string, value any) error {
	if c == nil || c.client == nil {
		return errors.New("metastore client is not initialized")
	}

	body, err := json.Marshal(map[string]any{key: value})
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}

	_, err = c.client.Indices.Settings.Put(ctx, opensearchapi.SettingsPutReq{
		Indices: []string{index},
		Body:    bytes.NewReader(body),
	})
	if err != nil {
		return classify(fmt.Errorf("update setting %s on %s: %w", key, index, err))
	}
	return nil
}

// isNotFound reports a 404-style response.
func isNotFound(err error) bool {
	var structErr *opensearch.StructError
	if errors.As(err, &structErr) {
		t := structErr.Err.Type
		return t == "index_not_found_exception" || t == "resource_not_found_exception" ||
			strings.Contains(t, "not_found")
	}
	var httpErr *opensearch.StringError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusNotFound
	}
	return false
}

// isVersionConflict reports a failed CAS precondition.
func isVersionConflict(err error) bool {
	var structErr *opensearch.StructError
	if errors.As(err, &structErr) {
		return structErr.Err.Type == "version_conflict_engine_exception"
	}
	return false
}

// classify wraps cluster-blocked and I/O failures as transient so the
// retry driver replays them; everything else passes through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var structErr *opensearch.StructError
	if errors.As(err, &structErr) {
		t := structErr.Err.Type
		if t == "cluster_block_exception" {
			return retry.Transient(fmt.Errorf("%w: %s", ErrClusterBlocked, err))
		}
		if t == "es_rejected_execution_exception" || t == "circuit_breaking_exception" {
			return retry.Transient(err)
		}
		// Mapping/parse/validation failures are semantic.
		return err
	}

	// Transport-level failures (connection refused, timeouts) are transient.
	return retry.Transient(err)
}
