package stt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/loqa-captions/internal/domain"
)

const chunkSeconds = 4

// transcribeFunc performs one synchronous request for a chunk of audio.
type transcribeFunc func(ctx context.Context, client *http.Client, pcm []byte, rate int) (string, error)

// ChunkedAdapter buffers capture audio into fixed chunks and transcribes
// each with a request/response API call. Per-chunk API failures are logged
// and skipped; rejected credentials end the session.
type ChunkedAdapter struct {
	name       string
	key        string
	timeout    time.Duration
	client     *http.Client
	transcribe transcribeFunc
}

func (a *ChunkedAdapter) Name() string { return a.name }

func (a *ChunkedAdapter) Run(ctx context.Context, s Session) error {
	if strings.TrimSpace(a.key) == "" {
		return fmt.Errorf("%s: %w", a.name, ErrNoCredentials)
	}
	s.Status(domain.Listening(a.name))

	rate := OnlineRate(s.PhoneAudio())
	proc, err := s.OpenCapture(ctx, rate)
	if err != nil {
		return err
	}
	s.Ready()

	chunkBytes := rate * 2 * chunkSeconds
	var buffer []byte
	err = pump(s, proc, readChunk, func(block []byte) error {
		buffer = append(buffer, block...)
		if len(buffer) < chunkBytes {
			return nil
		}
		pcm := buffer[:chunkBytes]
		buffer = append([]byte(nil), buffer[chunkBytes:]...)

		reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
		text, err := a.transcribe(reqCtx, a.client, pcm, rate)
		cancel()
		if err != nil {
			if errors.Is(err, ErrAuthOrQuota) {
				return err
			}
			if !s.Stopped() {
				s.Logger().Warn("chunk transcription failed", slog.String("adapter", a.name), slogError(err))
			}
			return nil
		}
		if text = strings.TrimSpace(text); text != "" {
			s.Transcript(text + "\n")
		}
		return nil
	})
	return finish(s, a.name, err)
}

// checkResponse maps HTTP failures, reading the body for diagnostics.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if rejected(resp.StatusCode) {
		return fmt.Errorf("%w: status %d: %s", ErrAuthOrQuota, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

type googleRequest struct {
	Config googleConfig `json:"config"`
	Audio  struct {
		Content string `json:"content"`
	} `json:"audio"`
}

type googleConfig struct {
	Encoding                   string `json:"encoding"`
	SampleRateHertz            int    `json:"sampleRateHertz"`
	LanguageCode               string `json:"languageCode"`
	EnableAutomaticPunctuation bool   `json:"enableAutomaticPunctuation"`
}

type googleResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"results"`
}

// googleTranscriber posts base64 LINEAR16 audio to the Speech REST API.
func googleTranscriber(endpoint, key string) transcribeFunc {
	return func(ctx context.Context, client *http.Client, pcm []byte, rate int) (string, error) {
		var body googleRequest
		body.Config = googleConfig{
			Encoding:                   "LINEAR16",
			SampleRateHertz:            rate,
			LanguageCode:               "en-GB",
			EnableAutomaticPunctuation: true,
		}
		body.Audio.Content = base64.StdEncoding.EncodeToString(pcm)
		payload, err := json.Marshal(body)
		if err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?key="+url.QueryEscape(key), bytes.NewReader(payload))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if err := checkResponse(resp); err != nil {
			return "", err
		}

		var out googleResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode google response: %w", err)
		}
		var parts []string
		for _, r := range out.Results {
			if len(r.Alternatives) > 0 {
				parts = append(parts, r.Alternatives[0].Transcript)
			}
		}
		return strings.Join(parts, " "), nil
	}
}

// audioContainer encodes a chunk for upload and names the file part.
type audioContainer func(pcm []byte, rate int) (data []byte, filename, contentType string, err error)

func wavContainer(pcm []byte, rate int) ([]byte, string, string, error) {
	data, err := EncodeWAV(pcm, rate)
	return data, "chunk.wav", "audio/wav", err
}

func flacContainer(pcm []byte, rate int) ([]byte, string, string, error) {
	data, err := EncodeFLAC(pcm, rate)
	return data, "chunk.flac", "audio/flac", err
}

// whisperAPITranscriber posts a multipart upload to an OpenAI-compatible
// transcription endpoint.
func whisperAPITranscriber(endpoint, key, model string, container audioContainer) transcribeFunc {
	return func(ctx context.Context, client *http.Client, pcm []byte, rate int) (string, error) {
		audioData, filename, contentType, err := container(pcm, rate)
		if err != nil {
			return "", err
		}

		var body bytes.Buffer
		writer := multipart.NewWriter(&body)
		part, err := writer.CreatePart(map[string][]string{
			"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename)},
			"Content-Type":        {contentType},
		})
		if err != nil {
			return "", err
		}
		if _, err := part.Write(audioData); err != nil {
			return "", err
		}
		_ = writer.WriteField("model", model)
		_ = writer.WriteField("language", "en")
		_ = writer.WriteField("response_format", "json")
		if err := writer.Close(); err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+key)
		req.Header.Set("Content-Type", writer.FormDataContentType())
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if err := checkResponse(resp); err != nil {
			return "", err
		}

		var out struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode transcription response: %w", err)
		}
		return out.Text, nil
	}
}
