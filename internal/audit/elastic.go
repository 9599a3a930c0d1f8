package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Elastic indexes entries into an Elasticsearch index, one document per entry.
type Elastic struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticClient creates a client for the given node addresses.
func NewElasticClient(addresses []string, username, password string) (*elasticsearch.Client, error) {
	return elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
	})
}

// NewElastic wraps client as a Sink writing to index.
func NewElastic(client *elasticsearch.Client, index string) *Elastic {
	if index == "" {
		index = "agrivet-audit"
	}
	return &Elastic{client: client, index: index}
}

func (s *Elastic) Name() string { return "elasticsearch" }

func (s *Elastic) Write(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req := esapi.IndexRequest{
		Index:      s.index,
		DocumentID: e.ID,
		Body:       bytes.NewReader(data),
		OpType:     "create",
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch index %s: %s", s.index, res.Status())
	}
	return nil
}
