// Package models manages the models installed in and loaded by Ollama.
package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Installed describes a model available in Ollama.
type Installed struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Loaded describes a model currently loaded in Ollama memory.
type Loaded struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Ollama queries and controls an Ollama server.
type Ollama struct {
	url      string
	client   *http.Client
	pollWait time.Duration
}

// NewOllama creates a manager for the server at url.
func NewOllama(url string) *Ollama {
	return &Ollama{
		url:      strings.TrimRight(url, "/"),
		client:   &http.Client{},
		pollWait: 500 * time.Millisecond,
	}
}

// URL returns the server address.
func (o *Ollama) URL() string { return o.url }

// List returns installed chat models, skipping embedding models.
func (o *Ollama) List(ctx context.Context) ([]Installed, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result struct {
		Models []struct {
			Name       string    `json:"name"`
			Size       int64     `json:"size"`
			ModifiedAt time.Time `json:"modified_at"`
		} `json:"models"`
	}
	if err := o.get(ctx, "/api/tags", &result); err != nil {
		return nil, err
	}

	out := make([]Installed, 0, len(result.Models))
	for _, m := range result.Models {
		if strings.Contains(m.Name, "embed") {
			continue
		}
		out = append(out, Installed{Name: m.Name, Size: m.Size, ModifiedAt: m.ModifiedAt})
	}
	return out, nil
}

// Has reports whether model is installed. A name without a tag matches
// its ":latest" variant.
func (o *Ollama) Has(ctx context.Context, model string) (bool, error) {
	installed, err := o.List(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range installed {
		if m.Name == model || m.Name == model+":latest" {
			return true, nil
		}
	}
	return false, nil
}

// Loaded returns the models currently loaded via /api/ps.
func (o *Ollama) Loaded(ctx context.Context) ([]Loaded, error) {
	var result struct {
		Models []Loaded `json:"models"`
	}
	if err := o.get(ctx, "/api/ps", &result); err != nil {
		return nil, err
	}
	return result.Models, nil
}

// Preload asks Ollama to load model and keep it resident.
func (o *Ollama) Preload(ctx context.Context, model string) error {
	return o.generate(ctx, map[string]any{"model": model, "keep_alive": -1}, "preload")
}

// Unload asks Ollama to release model and waits until /api/ps no longer
// lists it or ctx ends.
func (o *Ollama) Unload(ctx context.Context, model string) error {
	if err := o.generate(ctx, map[string]any{"model": model, "keep_alive": 0, "stream": false}, "unload"); err != nil {
		return err
	}

	for {
		loaded, err := o.Loaded(ctx)
		if err != nil {
			return nil
		}
		if !contains(loaded, model) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("model %s still loaded: %w", model, ctx.Err())
		case <-time.After(o.pollWait):
		}
	}
}

// UnloadAll unloads every loaded model.
func (o *Ollama) UnloadAll(ctx context.Context) error {
	loaded, err := o.Loaded(ctx)
	if err != nil {
		return err
	}
	for _, m := range loaded {
		if err := o.Unload(ctx, m.Name); err != nil {
			return fmt.Errorf("unload %s: %w", m.Name, err)
		}
	}
	return nil
}

func contains(loaded []Loaded, model string) bool {
	for _, m := range loaded {
		if m.Name == model {
			return true
		}
	}
	return false
}

func (o *Ollama) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url+path, nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama %s status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (o *Ollama) generate(ctx context.Context, body map[string]any, op string) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/api/generate", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama %s status %d", op, resp.StatusCode)
	}
	return nil
}
