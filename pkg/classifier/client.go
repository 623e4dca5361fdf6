// Package classifier is the HTTP client for the external risk model.
// The core assembles the feature vector in a fixed, versioned field
// order; the model internals are a black box behind this interface.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/nourish-labs/foodatlas/internal/config"
	"github.com/nourish-labs/foodatlas/internal/model"
)

// Predictor is the collaborator contract the scheduler consumes.
type Predictor interface {
	Predict(ctx context.Context, key string, features []float64) (model.ClassificationResult, error)
}

// Client implements Predictor over HTTP.
type Client struct {
	cfg        config.ClassifierConfig
	version    string
	httpClient *http.Client
}

// New creates a classifier client. version tags the feature layout the
// vector follows.
func New(cfg config.ClassifierConfig, version string) *Client {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		version:    version,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type predictRequest struct {
	Key            string    `json:"key"`
	FeatureVersion string    `json:"feature_version"`
	Features       []float64 `json:"features"`
}

type predictResponse struct {
	AtRisk      bool    `json:"at_risk"`
	Probability float64 `json:"probability"`
}

// Predict sends the feature vector and returns the labeled result.
func (c *Client) Predict(ctx context.Context, key string, features []float64) (model.ClassificationResult, error) {
	payload, err := json.Marshal(predictRequest{
		Key:            key,
		FeatureVersion: c.version,
		Features:       features,
	})
	if err != nil {
		return model.ClassificationResult{}, eris.Wrap(err, "classifier: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/predict", bytes.NewReader(payload))
	if err != nil {
		return model.ClassificationResult{}, eris.Wrap(err, "classifier: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.ClassificationResult{}, eris.Wrap(err, "classifier: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return model.ClassificationResult{}, eris.Errorf("classifier: returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.ClassificationResult{}, eris.Wrap(err, "classifier: read body")
	}

	var pr predictResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return model.ClassificationResult{}, eris.Wrap(err, "classifier: parse response")
	}
	if pr.Probability < 0 || pr.Probability > 1 {
		return model.ClassificationResult{}, eris.Errorf("classifier: probability %f out of range", pr.Probability)
	}

	return model.ClassificationResult{
		Key:         key,
		AtRisk:      pr.AtRisk,
		Probability: pr.Probability,
		RiskTier:    model.TierForProbability(pr.Probability),
	}, nil
}
