// Package stt implements the one-shot transcription client: a single
// multipart upload of a finished WAV take, returning the recognised text.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/lliWcWill/maVoice-Linux/pkg/audio"
)

const (
	DefaultURL = "https://api.groq.com/openai/v1/audio/transcriptions"

	uploadTimeout = 20 * time.Second
)

var (
	// ErrEmptyTake is returned for a zero-sample take; nothing is uploaded.
	ErrEmptyTake = errors.New("stt: empty take")

	// ErrRejected marks a 4xx response: the request was understood and
	// refused, so retrying is pointless.
	ErrRejected = errors.New("stt: request rejected")
)

// Options configure a transcription request beyond the audio itself.
type Options struct {
	Model       string
	Language    string
	Temperature float64
	// Prompt primes the recogniser with domain vocabulary (the config
	// "dictionary").
	Prompt string
}

// Client uploads WAV takes to a whisper-compatible transcription endpoint.
type Client struct {
	apiKey string
	url    string
	http   *http.Client
}

// New creates a client for the given endpoint. An empty url selects the
// default service.
func New(apiKey, url string) *Client {
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		apiKey: apiKey,
		url:    url,
		http:   &http.Client{Timeout: uploadTimeout},
	}
}

// Transcribe uploads the take and returns the transcribed text. Any failure
// other than an HTTP 4xx rejection (transport errors, 5xx responses) is
// retried once; HTTP 4xx is not.
func (c *Client) Transcribe(ctx context.Context, wav *audio.WavBuffer, opts Options) (string, error) {
	if wav == nil || len(wav.Samples) == 0 {
		return "", ErrEmptyTake
	}

	text, err := c.transcribeOnce(ctx, wav, opts)
	if err != nil && !errors.Is(err, ErrRejected) && ctx.Err() == nil {
		// One retry on any failure that is not a 4xx rejection.
		text, err = c.transcribeOnce(ctx, wav, opts)
	}
	return text, err
}

func (c *Client) transcribeOnce(ctx context.Context, wav *audio.WavBuffer, opts Options) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("model", opts.Model); err != nil {
		return "", err
	}
	if opts.Language != "" {
		if err := writer.WriteField("language", opts.Language); err != nil {
			return "", err
		}
	}
	if err := writer.WriteField("temperature", strconv.FormatFloat(opts.Temperature, 'f', -1, 64)); err != nil {
		return "", err
	}
	if opts.Prompt != "" {
		if err := writer.WriteField("prompt", opts.Prompt); err != nil {
			return "", err
		}
	}

	part, err := writer.CreateFormFile("file", "take.wav")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, bytes.NewReader(wav.Encode())); err != nil {
		return "", err
	}

	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp any
		json.NewDecoder(resp.Body).Decode(&errResp)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return "", fmt.Errorf("%w (status %d): %v", ErrRejected, resp.StatusCode, errResp)
		}
		return "", fmt.Errorf("stt: server error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("stt: decode response: %w", err)
	}
	return result.Text, nil
}
