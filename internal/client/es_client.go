package client

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
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// ESClient indexes audit documents. It holds no connections of its own
// beyond the shared HTTP transport.
type ESClient struct {
	Client *elasticsearch.Client
}

func NewElasticsearchClient(cfg *config.Config) (*ESClient, error) {
	esCfg := cfg.Elasticsearch

	tlsCfg, err := tlsFiles{CAFile: util.GetEnv("ELASTICSEARCH_CA_FILE", "")}.load()
	if err != nil {
		return nil, fmt.Errorf("elasticsearch tls: %w", err)
	}
	// self-signed dev clusters
	tlsCfg.InsecureSkipVerify = cfg.IsDevelopment() && tlsCfg.RootCAs == nil

	es, err := NewESClientFromConfig(elasticsearch.Config{
		Addresses:  []string{esCfg.URL},
		Username:   esCfg.Username,
		Password:   esCfg.Password,
		MaxRetries: 2,
		Transport: &http.Transport{
			TLSClientConfig:       tlsCfg,
			MaxIdleConnsPerHost:   4,
			ResponseHeaderTimeout: 5 * time.Second,
		},
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := es.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("reach elasticsearch at %s: %w", redactURL(esCfg.URL), err)
	}

	util.Info("Elasticsearch client ready",
		zap.String("url", redactURL(esCfg.URL)),
		zap.String("index", esCfg.Index))
	return es, nil
}

// NewESClientFromConfig builds a client without the startup connectivity check.
func NewESClientFromConfig(cfg elasticsearch.Config) (*ESClient, error) {
	c, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &ESClient{Client: c}, nil
}

// Close is a no-op; the transport's idle connections are reclaimed by the GC.
func (e *ESClient) Close() {}

func (e *ESClient) HealthCheck(ctx context.Context) error {
	res, err := e.Client.Info(e.Client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("cluster info: %w", err)
	}
	return drain(res, "cluster info")
}

// IndexDocument stores document under id, replacing any previous version.
// Retried deliveries of the same event therefore never duplicate.
func (e *ESClient) IndexDocument(ctx context.Context, index, id string, document interface{}) error {
	body, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", id, err)
	}

	res, err := e.Client.Index(index, bytes.NewReader(body),
		e.Client.Index.WithContext(ctx),
		e.Client.Index.WithDocumentID(id),
	)
	if err != nil {
		return fmt.Errorf("index document %s: %w", id, err)
	}
	return drain(res, "index "+index)
}

func drain(res *esapi.Response, op string) error {
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%s: %s: %s", op, res.Status(), bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
