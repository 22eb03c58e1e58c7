package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gopkg.in/yaml.v3"

	"github.com/mihaimyh/gocredits/pkg/providers"
)

const maxBackendResponseBytes = 1 << 20

// backendDef is one entry of the providers file
type backendDef struct {
	providers.ProviderConfig `yaml:",inline"`

	// Endpoint receives the processing request as JSON
	Endpoint string `yaml:"endpoint"`

	// APIKeyEnv names the environment variable holding the backend's bearer token
	APIKeyEnv string `yaml:"api_key_env"`
}

type providersFile struct {
	Providers []backendDef `yaml:"providers"`
}

// loadBackendDefs reads and checks the providers file
func loadBackendDefs(path string) ([]backendDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	var file providersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}
	if len(file.Providers) == 0 {
		return nil, providers.ErrNoProviders
	}
	for _, def := range file.Providers {
		if def.Name == "" {
			return nil, fmt.Errorf("provider without name in %s", path)
		}
		if def.Endpoint == "" {
			return nil, fmt.Errorf("provider %s: endpoint is required", def.Name)
		}
	}
	return file.Providers, nil
}

// httpBackend forwards processing requests to a JSON endpoint
type httpBackend struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

var _ providers.Backend = (*httpBackend)(nil)

func newHTTPBackend(def backendDef) *httpBackend {
	b := &httpBackend{
		name:     def.Name,
		endpoint: def.Endpoint,
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	if def.APIKeyEnv != "" {
		b.apiKey = os.Getenv(def.APIKeyEnv)
	}
	return b
}

type backendRequest struct {
	UserID  string            `json:"user_id"`
	Input   providers.Input   `json:"input"`
	Options providers.Options `json:"options"`
}

// Process implements providers.Backend. Any non-2xx answer is a failed attempt.
func (b *httpBackend) Process(ctx context.Context, userID string, input providers.Input, opts providers.Options) (*providers.Result, error) {
	body, err := json.Marshal(backendRequest{UserID: userID, Input: input, Options: opts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", opts.JobID)
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s: status %d: %s", b.name, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result providers.Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBackendResponseBytes)).Decode(&result); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", b.name, err)
	}
	result.Provider = b.name
	return &result, nil
}
