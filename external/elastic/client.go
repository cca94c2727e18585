package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/lumino/go-coordinator/entities"
)

type Client struct {
	index    string
	esClient *elasticsearch.Client
}

func NewClient(address, index string, timeout time.Duration) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{address},
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   10,
			ResponseHeaderTimeout: timeout,
		},
	}

	esClient, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %v", err)
	}

	return &Client{
		index:    index,
		esClient: esClient,
	}, nil
}

// ArchiveEpochSummary indexes the settled epoch summary keyed by epoch number,
// so re-archiving the same epoch overwrites instead of duplicating.
func (es *Client) ArchiveEpochSummary(_ context.Context, summary entities.EpochSummary) error {
	var buf bytes.Buffer

	meta := []byte(fmt.Sprintf(`{ "index": { "_index": "%s", "_id": "%d" } }%s`, es.index, summary.Epoch, "\n"))
	buf.Write(meta)

	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("error serializing epoch summary: %w", err)
	}
	buf.Write(data)
	buf.Write([]byte("\n"))

	res, err := es.esClient.Bulk(bytes.NewReader(buf.Bytes()), es.esClient.Bulk.WithRefresh("true"))
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("bulk request error: %s", res.String())
	}

	return nil
}
