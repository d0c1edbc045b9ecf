package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/config"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/reliability"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/security"
)

// ElasticsearchLiveStatus keeps one document per machine, using the machine
// name as document ID
type ElasticsearchLiveStatus struct {
	index  string
	client *elasticsearch.Client
}

// NewElasticsearchLiveStatus creates the client and checks the cluster is reachable
func NewElasticsearchLiveStatus(ctx context.Context, cfg config.ElasticsearchConfig) (*ElasticsearchLiveStatus, error) {
	if len(cfg.Addresses) == 0 && cfg.CloudID == "" {
		return nil, fmt.Errorf("no addresses or cloud ID specified")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("no index specified")
	}

	esConfig := elasticsearch.Config{
		Addresses: cfg.Addresses,
		CloudID:   cfg.CloudID,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
		// Retries happen one level up, with the sink's own backoff
		DisableRetry: true,
	}

	tlsConfig, err := security.LoadTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("invalid Elasticsearch TLS settings: %w", err)
	}
	if tlsConfig != nil {
		esConfig.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned error: %s", res.Status())
	}

	return &ElasticsearchLiveStatus{
		index:  cfg.Index,
		client: client,
	}, nil
}

func (e *ElasticsearchLiveStatus) Set(ctx context.Context, doc StatusDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return reliability.Permanent(fmt.Errorf("failed to marshal status document: %w", err))
	}

	req := esapi.IndexRequest{
		Index:      e.index,
		DocumentID: doc.Machine,
		Body:       bytes.NewReader(body),
		Refresh:    "false",
	}

	res, err := req.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("failed to index status document: %w", err)
	}
	defer res.Body.Close()

	return responseError("index", res)
}

func (e *ElasticsearchLiveStatus) Touch(ctx context.Context, machine string, piTimestamp time.Time) error {
	body, err := json.Marshal(map[string]interface{}{
		"doc": map[string]interface{}{
			"PI_Timestamp": piTimestamp,
		},
	})
	if err != nil {
		return reliability.Permanent(fmt.Errorf("failed to marshal update: %w", err))
	}

	req := esapi.UpdateRequest{
		Index:      e.index,
		DocumentID: machine,
		Body:       bytes.NewReader(body),
	}

	res, err := req.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("failed to update status document: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, res.Body)
		return reliability.Permanent(fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, e.index, machine))
	}

	return responseError("update", res)
}

// responseError maps an error response to an error. Client errors other
// than 429 will not succeed on retry.
func responseError(op string, res *esapi.Response) error {
	if !res.IsError() {
		io.Copy(io.Discard, res.Body)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	err := fmt.Errorf("elasticsearch %s returned %s: %s", op, res.Status(), bytes.TrimSpace(detail))

	if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
		return reliability.Permanent(err)
	}
	return err
}

func (e *ElasticsearchLiveStatus) Name() string { return "elasticsearch" }

func (e *ElasticsearchLiveStatus) Close() error { return nil }
