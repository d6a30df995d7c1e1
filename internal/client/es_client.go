package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"waitlist-service/internal/config"
	"waitlist-service/internal/model"
	"waitlist-service/internal/util"
)

// ESClient indexes blocked-request records so operators can search them.
type ESClient struct {
	Client *elasticsearch.Client
	config *config.ElasticsearchConfig
	logger *zap.Logger
}

func NewElasticsearchClient(cfg *config.Config, logger *zap.Logger) (*ESClient, error) {
	esConfig := cfg.Elasticsearch
	if len(esConfig.URLs) == 0 {
		return nil, fmt.Errorf("ELASTICSEARCH_URLS is not set")
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.IsDevelopment(), // Skip verify in dev only
		},
		ResponseHeaderTimeout: 5 * time.Second,
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: esConfig.URLs,
		Username:  esConfig.Username,
		Password:  esConfig.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	esClient := &ESClient{
		Client: client,
		config: &esConfig,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := esClient.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("elasticsearch connection test failed: %w", err)
	}

	logger.Info("Elasticsearch client initialized",
		zap.Strings("urls", esConfig.URLs),
		zap.String("index", esConfig.Index),
	)

	return esClient, nil
}

func (e *ESClient) Close() {
	util.Info("Elasticsearch client shutdown")
}

func (e *ESClient) HealthCheck(ctx context.Context) error {
	res, err := e.Client.Info(e.Client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to get cluster info: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}

	e.logger.Debug("Elasticsearch health check passed")
	return nil
}

type blockedDocument struct {
	Address   string    `json:"address"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"@timestamp"`
}

// Archive bulk-indexes recs into the configured index.
func (e *ESClient) Archive(ctx context.Context, recs []model.BlockedRequest) error {
	if len(recs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range recs {
		buf.WriteString(`{"index":{}}` + "\n")
		if err := enc.Encode(blockedDocument{
			Address:   rec.Address,
			Reason:    string(rec.Reason),
			Timestamp: rec.Timestamp.UTC(),
		}); err != nil {
			return fmt.Errorf("error encoding document: %w", err)
		}
	}

	res, err := e.Client.Bulk(&buf,
		e.Client.Bulk.WithContext(ctx),
		e.Client.Bulk.WithIndex(e.config.Index),
	)
	if err != nil {
		return fmt.Errorf("error executing bulk index: %w", err)
	}

	var body struct {
		Errors bool `json:"errors"`
	}
	if err := e.ParseResponse(res, &body); err != nil {
		return err
	}
	if body.Errors {
		return fmt.Errorf("elasticsearch bulk index reported item errors")
	}
	return nil
}

func (e *ESClient) ParseResponse(res *esapi.Response, target interface{}) error {
	defer res.Body.Close()

	if res.IsError() {
		var payload map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
			return fmt.Errorf("elasticsearch error: [%s]", res.Status())
		}
		reason := ""
		if errObj, ok := payload["error"].(map[string]interface{}); ok {
			reason, _ = errObj["reason"].(string)
		}
		return fmt.Errorf("elasticsearch error: [%s] %s", res.Status(), reason)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("error unmarshaling response: %w", err)
	}

	return nil
}
