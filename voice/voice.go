// Package voice implements the speech adapters: thin STT/TTS interfaces
// with one HTTP-based implementation, built on the same retry/backoff
// shape as llm's OpenAI-compatible client, and one in-memory stub used in
// tests and in environments with no speech backend configured.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// STT transcribes audio into text.
type STT interface {
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// TTS synthesises text into audio.
type TTS interface {
	Synthesize(ctx context.Context, text string) (audio []byte, format string, err error)
}

// Config configures the HTTP-based STT/TTS adapters.
type Config struct {
	BaseURL     string
	APIKey      string
	SpeechModel string // STT model id
	VoiceModel  string // TTS model id
	Voice       string // TTS voice name, provider-specific
}

// NewSTT returns the HTTP-backed implementation when cfg.BaseURL is set,
// otherwise the in-memory stub.
func NewSTT(cfg Config) STT {
	if cfg.BaseURL == "" {
		return &StubSTT{}
	}
	return &httpSTT{client: newHTTPClient(cfg)}
}

// NewTTS returns the HTTP-backed implementation when cfg.BaseURL is set,
// otherwise the in-memory stub.
func NewTTS(cfg Config) TTS {
	if cfg.BaseURL == "" {
		return &StubTTS{}
	}
	return &httpTTS{client: newHTTPClient(cfg)}
}

// httpClient is the shared base for the HTTP speech adapters, grounded on
// llm.openAICompatClient's timeout/retry shape (that type is unexported in
// package llm, so this is a parallel implementation in the same idiom
// rather than a shared embed).
type httpClient struct {
	cfg    Config
	client *http.Client
}

func newHTTPClient(cfg Config) *httpClient {
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

const (
	maxRetries     = 3
	baseRetryDelay = 1 * time.Second
)

func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// doRequest posts bodyBytes to url with exponential-backoff retry on
// transient failures, mirroring llm.openAICompatClient.doPost. A fresh
// request (and body reader) is built on every attempt, since the previous
// attempt's reader is already drained.
func (c *httpClient) doRequest(ctx context.Context, method, url, contentType string, bodyBytes []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("speech request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("reading speech response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}
		lastErr = fmt.Errorf("speech API error %d: %s", resp.StatusCode, string(body))
		if !retryableStatusCode(resp.StatusCode) {
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

type httpSTT struct {
	client *httpClient
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe posts the audio as multipart form data to an OpenAI-compatible
// /v1/audio/transcriptions endpoint.
func (s *httpSTT) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "audio."+format)
	if err != nil {
		return "", fmt.Errorf("building transcription request: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("writing audio payload: %w", err)
	}
	model := s.client.cfg.SpeechModel
	if model == "" {
		model = "whisper-1"
	}
	if err := writer.WriteField("model", model); err != nil {
		return "", fmt.Errorf("writing model field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	respBody, err := s.client.doRequest(ctx, http.MethodPost, s.client.cfg.BaseURL+"/v1/audio/transcriptions", writer.FormDataContentType(), buf.Bytes())
	if err != nil {
		return "", err
	}

	var resp transcriptionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("decoding transcription response: %w", err)
	}
	return resp.Text, nil
}

type httpTTS struct {
	client *httpClient
}

type speechRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Voice string `json:"voice"`
}

// Synthesize posts to an OpenAI-compatible /v1/audio/speech endpoint and
// returns the raw MP3 bytes.
func (t *httpTTS) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	model := t.client.cfg.VoiceModel
	if model == "" {
		model = "tts-1"
	}
	voice := t.client.cfg.Voice
	if voice == "" {
		voice = "alloy"
	}

	body, err := json.Marshal(speechRequest{Model: model, Input: text, Voice: voice})
	if err != nil {
		return nil, "", err
	}

	audio, err := t.client.doRequest(ctx, http.MethodPost, t.client.cfg.BaseURL+"/v1/audio/speech", "application/json", body)
	if err != nil {
		return nil, "", err
	}
	return audio, "mp3", nil
}

// StubSTT is an in-memory STT stub for tests and unconfigured environments.
// It returns a fixed transcription unless Response/Err are set.
type StubSTT struct {
	Response string
	Err      error
}

func (s *StubSTT) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	if s.Response != "" {
		return s.Response, nil
	}
	return "", nil
}

// StubTTS is an in-memory TTS stub for tests and unconfigured environments.
// It returns a fixed payload unless Audio/Err are set.
type StubTTS struct {
	Audio []byte
	Err   error
}

func (t *StubTTS) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	if t.Err != nil {
		return nil, "", t.Err
	}
	if t.Audio != nil {
		return t.Audio, "mp3", nil
	}
	return []byte{}, "mp3", nil
}
