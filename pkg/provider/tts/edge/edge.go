// Package edge provides a [tts.Provider] backed by the Microsoft Edge
// read-aloud WebSocket service. It needs no API key, which makes it the
// fallback of last resort: always reachable, never billed.
//
// The service speaks a framed protocol over one WebSocket per request: a
// speech.config message, then the SSML payload, then a stream of binary audio
// frames terminated by a turn.end marker.
package edge

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/cacheclaw/cacheclaw/pkg/provider/tts"
)

const (
	trustedClientToken = "6A5AA1D4EAFF4E9FB37E23D68491D6F4"
	wsEndpoint         = "wss://speech.platform.bing.com/consumer/speech/synthesize/" +
		"readaloud/edge/v1?TrustedClientToken=" + trustedClientToken

	// outputFormat is fixed: the service always hands back MP3 here.
	// Containers other than MP3 are the transcoder's job.
	outputFormat = "audio-24khz-48kbitrate-mono-mp3"

	defaultVoice = "tr-TR-AhmetNeural"
)

// edgeVoiceRE matches fully qualified Edge voice names like
// "tr-TR-EmelNeural" so unmapped platform voices can pass through.
var edgeVoiceRE = regexp.MustCompile(`^[a-z]{2,3}-[A-Z]{2}(-[A-Za-z]+)?-\w+$`)

// Option is a functional option for configuring the edge Provider.
type Option func(*Provider)

// WithDefaultVoice sets the voice used when a request's voice cannot be
// resolved to an Edge voice.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) { p.defaultVoice = voice }
}

// WithVoiceMap translates platform voice ids to Edge voice names.
func WithVoiceMap(m map[string]string) Option {
	return func(p *Provider) { p.voiceMap = m }
}

// WithEndpoint overrides the service URL, for tests.
func WithEndpoint(url string) Option {
	return func(p *Provider) { p.endpoint = url }
}

// Provider implements [tts.Provider] against the Edge read-aloud service.
type Provider struct {
	endpoint     string
	defaultVoice string
	voiceMap     map[string]string
}

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// New creates an edge Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		endpoint:     wsEndpoint,
		defaultVoice: defaultVoice,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Synthesize implements [tts.Provider]. The returned audio is always MP3
// regardless of req.Format; callers needing another container transcode.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("edge: empty text")
	}

	connID, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("edge: connection id: %w", err)
	}
	reqID, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("edge: request id: %w", err)
	}

	url := p.endpoint
	if strings.Contains(url, "?") {
		url += "&ConnectionId=" + connID
	} else {
		url += "?ConnectionId=" + connID
	}

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Origin": []string{"chrome-extension://jdiccldimpdaibmpdkjnbmckianbfold"},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &tts.StatusError{Code: resp.StatusCode, Message: "edge: handshake rejected"}
		}
		return nil, fmt.Errorf("edge: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	// Audio frames for a full utterance exceed the library default.
	conn.SetReadLimit(16 << 20)

	if err := conn.Write(ctx, websocket.MessageText, buildSpeechConfig(time.Now())); err != nil {
		return nil, fmt.Errorf("edge: send speech.config: %w", err)
	}
	ssml := buildSSML(reqID, req.Text, p.resolveVoice(req.Voice), time.Now())
	if err := conn.Write(ctx, websocket.MessageText, ssml); err != nil {
		return nil, fmt.Errorf("edge: send ssml: %w", err)
	}

	var audio []byte
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("edge: read: %w", err)
		}
		switch typ {
		case websocket.MessageText:
			if strings.Contains(string(msg), "Path:turn.end") {
				if len(audio) == 0 {
					return nil, errors.New("edge: no audio in response")
				}
				return audio, nil
			}
		case websocket.MessageBinary:
			headers, payload, err := parseBinaryFrame(msg)
			if err != nil {
				return nil, fmt.Errorf("edge: %w", err)
			}
			if strings.Contains(headers, "Path:audio") {
				audio = append(audio, payload...)
			}
		}
	}
}

// resolveVoice maps a platform voice id to an Edge voice name. Unmapped names
// that already look like Edge voices pass through; everything else falls back
// to the default voice.
func (p *Provider) resolveVoice(voice string) string {
	if mapped, ok := p.voiceMap[voice]; ok {
		return mapped
	}
	if edgeVoiceRE.MatchString(voice) {
		return voice
	}
	return p.defaultVoice
}

// buildSpeechConfig renders the session configuration message.
func buildSpeechConfig(now time.Time) []byte {
	return []byte("X-Timestamp:" + timestamp(now) + "\r\n" +
		"Content-Type:application/json; charset=utf-8\r\n" +
		"Path:speech.config\r\n\r\n" +
		`{"context":{"synthesis":{"audio":{"metadataoptions":` +
		`{"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"false"},` +
		`"outputFormat":"` + outputFormat + `"}}}}`)
}

// buildSSML renders the synthesis request message. Text is HTML-escaped so
// user input cannot break out of the SSML document.
func buildSSML(requestID, text, voice string, now time.Time) []byte {
	return []byte("X-RequestId:" + requestID + "\r\n" +
		"Content-Type:application/ssml+xml\r\n" +
		"X-Timestamp:" + timestamp(now) + "\r\n" +
		"Path:ssml\r\n\r\n" +
		"<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='en-US'>" +
		"<voice name='" + voice + "'>" +
		"<prosody pitch='+0Hz' rate='+0%' volume='+0%'>" +
		html.EscapeString(text) +
		"</prosody></voice></speak>")
}

// parseBinaryFrame splits a binary frame into its header block and payload.
// The first two bytes are the big-endian header length.
func parseBinaryFrame(msg []byte) (headers string, payload []byte, err error) {
	if len(msg) < 2 {
		return "", nil, errors.New("binary frame too short")
	}
	headerLen := int(binary.BigEndian.Uint16(msg[:2]))
	if 2+headerLen > len(msg) {
		return "", nil, fmt.Errorf("binary frame header length %d exceeds frame size %d", headerLen, len(msg))
	}
	return string(msg[2 : 2+headerLen]), msg[2+headerLen:], nil
}

func timestamp(now time.Time) string {
	return now.UTC().Format("Mon Jan 2 2006 15:04:05 GMT+0000 (Coordinated Universal Time)")
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
