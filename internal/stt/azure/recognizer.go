// Package azure implements continuous recognition against the Azure Speech
// websocket service with the callback model of the Speech SDK.
package azure

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const endpointTemplate = "wss://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1"

type Config struct {
	Key      string
	Region   string
	Language string
	// Endpoint overrides the regional endpoint.
	Endpoint string
	// StreamHeader is sent ahead of the first audio chunk, normally a WAV
	// header describing the raw PCM that follows.
	StreamHeader []byte
	Dialer       *websocket.Dialer
}

// CancellationDetails explains why recognition ended without being stopped.
type CancellationDetails struct {
	Reason       string
	ErrorDetails string
}

// AuthOrQuota reports whether the service rejected the subscription key or
// the subscription ran out of quota.
func (d CancellationDetails) AuthOrQuota() bool {
	for _, marker := range []string{"Quota", "quota", "401", "403", "429", "Unauthorized", "Forbidden"} {
		if strings.Contains(d.ErrorDetails, marker) {
			return true
		}
	}
	return false
}

func (d CancellationDetails) Error() string {
	if d.ErrorDetails == "" {
		return "recognition canceled: " + d.Reason
	}
	return fmt.Sprintf("recognition canceled: %s: %s", d.Reason, d.ErrorDetails)
}

// Recognizer streams audio from a reader and raises callbacks as results
// arrive. Callbacks must be set before StartContinuousRecognition and run on
// the receive goroutine.
type Recognizer struct {
	Recognizing    func(text string)
	Recognized     func(text string)
	SessionStarted func()
	Canceled       func(CancellationDetails)

	cfg   Config
	audio io.Reader

	conn      *websocket.Conn
	requestID string
	writeMu   sync.Mutex
	done      chan struct{}
	stopOnce  sync.Once
	stopping  chan struct{}
	wg        sync.WaitGroup

	mu       sync.Mutex
	canceled *CancellationDetails
}

func NewRecognizer(cfg Config, audio io.Reader) (*Recognizer, error) {
	if strings.TrimSpace(cfg.Key) == "" {
		return nil, errors.New("azure subscription key is empty")
	}
	if cfg.Endpoint == "" {
		if cfg.Region == "" {
			return nil, errors.New("azure region is empty")
		}
		cfg.Endpoint = fmt.Sprintf(endpointTemplate, cfg.Region)
	}
	if cfg.Language == "" {
		cfg.Language = "en-GB"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Recognizer{
		cfg:       cfg,
		audio:     audio,
		requestID: newID(),
		done:      make(chan struct{}),
		stopping:  make(chan struct{}),
	}, nil
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// StartContinuousRecognition connects and begins streaming. A rejected
// handshake is returned as CancellationDetails.
func (r *Recognizer) StartContinuousRecognition(ctx context.Context) error {
	q := url.Values{}
	q.Set("language", r.cfg.Language)
	q.Set("format", "simple")
	header := http.Header{}
	header.Set("Ocp-Apim-Subscription-Key", r.cfg.Key)
	header.Set("X-ConnectionId", newID())

	conn, resp, err := r.cfg.Dialer.DialContext(ctx, r.cfg.Endpoint+"?"+q.Encode(), header)
	if err != nil {
		details := CancellationDetails{Reason: "Error", ErrorDetails: err.Error()}
		if resp != nil {
			details.ErrorDetails = fmt.Sprintf("handshake status %d: %v", resp.StatusCode, err)
		}
		return details
	}
	r.conn = conn

	if err := r.sendText("speech.config", "application/json", speechConfig()); err != nil {
		conn.Close()
		return CancellationDetails{Reason: "Error", ErrorDetails: err.Error()}
	}

	r.wg.Add(2)
	go r.sendLoop()
	go r.receiveLoop()
	go func() {
		r.wg.Wait()
		close(r.done)
	}()
	return nil
}

// StopContinuousRecognition ends the audio stream and waits for the
// connection to wind down.
func (r *Recognizer) StopContinuousRecognition() {
	r.stopOnce.Do(func() {
		close(r.stopping)
		if r.conn == nil {
			return
		}
		_ = r.sendAudio(nil)
		r.writeMu.Lock()
		_ = r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.writeMu.Unlock()
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
		}
		_ = r.conn.Close()
	})
	if r.conn != nil {
		<-r.done
	}
}

// Done is closed once both the send and receive sides have finished.
func (r *Recognizer) Done() <-chan struct{} {
	return r.done
}

// Cancellation returns the reason recognition ended on its own, if any.
func (r *Recognizer) Cancellation() (CancellationDetails, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canceled == nil {
		return CancellationDetails{}, false
	}
	return *r.canceled, true
}

func (r *Recognizer) stopped() bool {
	select {
	case <-r.stopping:
		return true
	default:
		return false
	}
}

func (r *Recognizer) cancel(details CancellationDetails) {
	if r.stopped() {
		return
	}
	r.mu.Lock()
	first := r.canceled == nil
	if first {
		r.canceled = &details
	}
	r.mu.Unlock()
	if first {
		if r.Canceled != nil {
			r.Canceled(details)
		}
		_ = r.conn.Close()
	}
}

func (r *Recognizer) sendLoop() {
	defer r.wg.Done()
	if len(r.cfg.StreamHeader) > 0 {
		if err := r.sendAudio(r.cfg.StreamHeader); err != nil {
			r.cancel(CancellationDetails{Reason: "Error", ErrorDetails: err.Error()})
			return
		}
	}
	buf := make([]byte, 3200)
	for {
		if r.stopped() {
			return
		}
		n, err := r.audio.Read(buf)
		if n > 0 {
			if werr := r.sendAudio(buf[:n]); werr != nil {
				r.cancel(CancellationDetails{Reason: "Error", ErrorDetails: werr.Error()})
				return
			}
		}
		if err != nil {
			r.cancel(CancellationDetails{Reason: "EndOfStream", ErrorDetails: err.Error()})
			return
		}
	}
}

func (r *Recognizer) receiveLoop() {
	defer r.wg.Done()
	for {
		kind, data, err := r.conn.ReadMessage()
		if err != nil {
			details := CancellationDetails{Reason: "Error", ErrorDetails: err.Error()}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
				details.ErrorDetails = "401 " + closeErr.Text
			}
			r.cancel(details)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		headers, body := parseMessage(data)
		switch headers["path"] {
		case "turn.start":
			if r.SessionStarted != nil {
				r.SessionStarted()
			}
		case "speech.hypothesis":
			var hyp struct {
				Text string `json:"Text"`
			}
			if json.Unmarshal(body, &hyp) == nil && strings.TrimSpace(hyp.Text) != "" && r.Recognizing != nil {
				r.Recognizing(strings.TrimSpace(hyp.Text))
			}
		case "speech.phrase":
			var phrase struct {
				RecognitionStatus string `json:"RecognitionStatus"`
				DisplayText       string `json:"DisplayText"`
			}
			if json.Unmarshal(body, &phrase) != nil {
				continue
			}
			if phrase.RecognitionStatus == "Success" && strings.TrimSpace(phrase.DisplayText) != "" && r.Recognized != nil {
				r.Recognized(strings.TrimSpace(phrase.DisplayText))
			}
		}
	}
}

func (r *Recognizer) sendText(path, contentType string, body []byte) error {
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "Path: %s\r\nX-RequestId: %s\r\nX-Timestamp: %s\r\nContent-Type: %s\r\n\r\n",
		path, r.requestID, timestamp(), contentType)
	msg.Write(body)
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteMessage(websocket.TextMessage, msg.Bytes())
}

// sendAudio writes one binary audio frame: a big-endian header length, the
// text headers, then the payload. An empty payload marks end of audio.
func (r *Recognizer) sendAudio(payload []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteMessage(websocket.BinaryMessage, AudioFrame(r.requestID, payload, time.Now()))
}

func AudioFrame(requestID string, payload []byte, now time.Time) []byte {
	header := fmt.Sprintf("Path: audio\r\nX-RequestId: %s\r\nX-Timestamp: %s\r\nContent-Type: audio/x-wav\r\n",
		requestID, now.UTC().Format("2006-01-02T15:04:05.000Z"))
	out := make([]byte, 2, 2+len(header)+len(payload))
	binary.BigEndian.PutUint16(out, uint16(len(header)))
	out = append(out, header...)
	return append(out, payload...)
}

// parseMessage splits a service text message into lower-cased headers and
// the body.
func parseMessage(data []byte) (map[string]string, []byte) {
	headers := make(map[string]string)
	head, body, _ := bytes.Cut(data, []byte("\r\n\r\n"))
	for _, line := range strings.Split(string(head), "\r\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return headers, body
}

func speechConfig() []byte {
	return []byte(`{"context":{"system":{"name":"loqa-captions","version":"1.0.0","build":"go","lang":"go"},` +
		`"os":{"platform":"Linux","name":"Linux","version":""},` +
		`"audio":{"source":{"type":"Microphones"}}}}`)
}

func timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
