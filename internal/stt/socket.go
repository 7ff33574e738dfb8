package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/domain"
)

// socketProtocol describes one websocket streaming backend.
type socketProtocol struct {
	name string
	// offline engines need no key and always capture at 16kHz.
	local bool
	dial  func(rate int) (string, http.Header)
	// hello is sent once after connecting, goodbye before closing.
	hello   func(rate int) []byte
	goodbye []byte
	// decode turns one server message into displayable text. It returns
	// heard=true for activity that is not yet final.
	decode func(msg []byte) (text string, heard bool, err error)
}

// SocketAdapter streams raw capture audio over a websocket and receives
// JSON transcript messages.
type SocketAdapter struct {
	proto  socketProtocol
	key    string
	dialer *websocket.Dialer
}

func (a *SocketAdapter) Name() string { return a.proto.name }

func (a *SocketAdapter) Run(ctx context.Context, s Session) error {
	name := a.proto.name
	if !a.proto.local && strings.TrimSpace(a.key) == "" {
		return fmt.Errorf("%s: %w", name, ErrNoCredentials)
	}
	s.Status(domain.Listening(name))

	rate := offlineRate
	if !a.proto.local {
		rate = OnlineRate(s.PhoneAudio())
	}
	proc, err := s.OpenCapture(ctx, rate)
	if err != nil {
		return err
	}

	endpoint, header := a.proto.dial(rate)
	conn, resp, err := a.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if s.Stopped() {
			return nil
		}
		if resp != nil && rejected(resp.StatusCode) {
			return fmt.Errorf("%s: handshake status %d: %w", name, resp.StatusCode, ErrAuthOrQuota)
		}
		if a.proto.local {
			return fmt.Errorf("%s: %w: %v", name, ErrEngineUnavailable, err)
		}
		return fmt.Errorf("%s: connect: %w", name, err)
	}
	defer conn.Close()

	if a.proto.hello != nil {
		if err := conn.WriteMessage(websocket.TextMessage, a.proto.hello(rate)); err != nil {
			return finish(s, name, fmt.Errorf("send config: %w", err))
		}
	}
	s.Logger().Info("stream connected", slog.String("adapter", name), slog.Int("rate", rate))
	s.Ready()

	readErr := make(chan error, 1)
	go func() {
		readErr <- a.readLoop(s, conn)
		// Unblock the capture read below once the connection is gone.
		_ = proc.Terminate(capture.DefaultGrace)
	}()

	err = pump(s, proc, readChunk, func(chunk []byte) error {
		return conn.WriteMessage(websocket.BinaryMessage, chunk)
	})
	select {
	case rerr := <-readErr:
		err = rerr
	default:
	}

	if a.proto.goodbye != nil {
		_ = conn.WriteMessage(websocket.TextMessage, a.proto.goodbye)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return finish(s, name, err)
}

func (a *SocketAdapter) readLoop(s Session, conn *websocket.Conn) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return fmt.Errorf("%w: %v", ErrAuthOrQuota, err)
			}
			return fmt.Errorf("read: %w", err)
		}
		text, heard, err := a.proto.decode(payload)
		if err != nil {
			return err
		}
		if heard {
			s.Heard()
		}
		if text != "" {
			s.Transcript(text)
		}
	}
}

func rejected(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return false
}

type deepgramResponse struct {
	Type        string `json:"type"`
	Message     string `json:"description"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func deepgramProtocol(baseURL, key string) socketProtocol {
	return socketProtocol{
		name: Deepgram,
		dial: func(rate int) (string, http.Header) {
			q := url.Values{}
			q.Set("model", "nova-2")
			q.Set("language", "en-GB")
			q.Set("smart_format", "true")
			q.Set("encoding", "linear16")
			q.Set("sample_rate", strconv.Itoa(rate))
			header := http.Header{}
			header.Set("Authorization", "Token "+key)
			return baseURL + "?" + q.Encode(), header
		},
		goodbye: []byte(`{"type":"CloseStream"}`),
		decode: func(msg []byte) (string, bool, error) {
			var resp deepgramResponse
			if err := json.Unmarshal(msg, &resp); err != nil {
				return "", false, nil
			}
			if strings.EqualFold(resp.Type, "Error") {
				return "", false, fmt.Errorf("deepgram error: %s", resp.Message)
			}
			if len(resp.Channel.Alternatives) == 0 {
				return "", false, nil
			}
			text := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
			if text == "" {
				return "", false, nil
			}
			if resp.SpeechFinal {
				return text + "\n", true, nil
			}
			return text + " ", true, nil
		},
	}
}

type assemblyTurn struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	EndOfTurn  bool   `json:"end_of_turn"`
	Formatted  bool   `json:"turn_is_formatted"`
	Error      string `json:"error"`
}

func assemblyAIProtocol(baseURL, key string) socketProtocol {
	return socketProtocol{
		name: AssemblyAI,
		dial: func(rate int) (string, http.Header) {
			q := url.Values{}
			q.Set("sample_rate", strconv.Itoa(rate))
			q.Set("encoding", "pcm_s16le")
			q.Set("format_turns", "true")
			header := http.Header{}
			header.Set("Authorization", key)
			return baseURL + "?" + q.Encode(), header
		},
		goodbye: []byte(`{"type":"Terminate"}`),
		decode: func(msg []byte) (string, bool, error) {
			var turn assemblyTurn
			if err := json.Unmarshal(msg, &turn); err != nil {
				return "", false, nil
			}
			if turn.Error != "" {
				if strings.Contains(strings.ToLower(turn.Error), "auth") || strings.Contains(turn.Error, "balance") {
					return "", false, fmt.Errorf("%w: %s", ErrAuthOrQuota, turn.Error)
				}
				return "", false, fmt.Errorf("assemblyai error: %s", turn.Error)
			}
			if turn.Type != "Turn" {
				return "", false, nil
			}
			text := strings.TrimSpace(turn.Transcript)
			if text == "" {
				return "", false, nil
			}
			// Unformatted end-of-turn messages are followed by a formatted
			// copy of the same turn.
			if turn.EndOfTurn && turn.Formatted {
				return text + "\n", true, nil
			}
			return "", true, nil
		},
	}
}

type voskResult struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
}

func voskProtocol(serverURL string) socketProtocol {
	return socketProtocol{
		name:  Vosk,
		local: true,
		dial: func(int) (string, http.Header) {
			return serverURL, nil
		},
		hello: func(rate int) []byte {
			return []byte(fmt.Sprintf(`{"config":{"sample_rate":%d}}`, rate))
		},
		goodbye: []byte(`{"eof":1}`),
		decode: func(msg []byte) (string, bool, error) {
			var res voskResult
			if err := json.Unmarshal(msg, &res); err != nil {
				return "", false, nil
			}
			if text := strings.TrimSpace(res.Text); text != "" {
				return text + "\n", true, nil
			}
			return "", strings.TrimSpace(res.Partial) != "", nil
		},
	}
}
