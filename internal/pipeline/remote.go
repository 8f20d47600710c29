package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/contract"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/metrics"
)

// Remote clients speak the backend contracts of another examiner service.

// RemoteChatClient forwards chat requests to a /api/chat endpoint.
type RemoteChatClient struct {
	url    string
	client *http.Client
}

// NewRemoteChatClient creates a client for baseURL.
func NewRemoteChatClient(baseURL string, client *http.Client) *RemoteChatClient {
	return &RemoteChatClient{url: strings.TrimRight(baseURL, "/"), client: client}
}

// Chat posts req and returns the reply text.
func (c *RemoteChatClient) Chat(ctx context.Context, req contract.ChatRequest) (string, error) {
	var out contract.ChatResponse
	if err := postJSON(ctx, c.client, c.url+"/api/chat", "chat", req, &out); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", fmt.Errorf("chat: %s", out.Error)
	}
	return out.Response, nil
}

// PunctuationClient calls a /api/punctuate endpoint. It sets no timeout of
// its own; calls are bounded by the caller's context.
type PunctuationClient struct {
	url    string
	client *http.Client
}

// NewPunctuationClient creates a client for baseURL.
func NewPunctuationClient(baseURL string, client *http.Client) *PunctuationClient {
	return &PunctuationClient{url: strings.TrimRight(baseURL, "/"), client: client}
}

// Punctuate returns the normalized text.
func (c *PunctuationClient) Punctuate(ctx context.Context, text string) (string, error) {
	var out contract.PunctuateResponse
	if err := postJSON(ctx, c.client, c.url+"/api/punctuate", "punctuate", contract.PunctuateRequest{Text: text}, &out); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", fmt.Errorf("punctuate: %s", out.Error)
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", errors.New("punctuate: empty result")
	}
	return out.Text, nil
}

// RemoteSynthesizer calls a /api/tts endpoint and decodes the base64 audio.
type RemoteSynthesizer struct {
	url    string
	client *http.Client
}

// NewRemoteSynthesizer creates a client for baseURL.
func NewRemoteSynthesizer(baseURL string, client *http.Client) *RemoteSynthesizer {
	return &RemoteSynthesizer{url: strings.TrimRight(baseURL, "/"), client: client}
}

// Synthesize returns the decoded audio for text.
func (s *RemoteSynthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	var out contract.TTSResponse
	if err := postJSON(ctx, s.client, s.url+"/api/tts", "tts", contract.TTSRequest{Text: text, Voice: voice}, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("tts: %s", out.Error)
	}
	audio, err := base64.StdEncoding.DecodeString(out.Audio)
	if err != nil {
		return nil, fmt.Errorf("decode tts audio: %w", err)
	}
	return audio, nil
}

// SynthesizeAudio lets a remote backend sit behind a TTSRouter.
func (s *RemoteSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	return s.Synthesize(ctx, text, opts.Voice)
}

// RemoteNotes calls a /api/save-notice endpoint.
type RemoteNotes struct {
	url    string
	client *http.Client
}

// NewRemoteNotes creates a client for baseURL.
func NewRemoteNotes(baseURL string, client *http.Client) *RemoteNotes {
	return &RemoteNotes{url: strings.TrimRight(baseURL, "/"), client: client}
}

// Save stores content and returns the file name chosen by the server.
func (n *RemoteNotes) Save(ctx context.Context, content string) (string, error) {
	var out contract.NoteResponse
	if err := postJSON(ctx, n.client, n.url+"/api/save-notice", "notes", contract.NoteRequest{Content: content}, &out); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", fmt.Errorf("notes: %s", out.Error)
	}
	return out.Filename, nil
}

func postJSON(ctx context.Context, client *http.Client, url, svc string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", svc, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", svc, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues(svc, "http").Inc()
		return fmt.Errorf("%s request: %w", svc, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.Errors.WithLabelValues(svc, "status").Inc()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s status %d: %s", svc, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.Errors.WithLabelValues(svc, "decode").Inc()
		return fmt.Errorf("decode %s response: %w", svc, err)
	}
	return nil
}
