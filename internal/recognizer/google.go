// Package recognizer streams candidate audio to Google Cloud Speech-to-Text
// for clients that send raw audio instead of recognizing speech themselves.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error kinds reported to the Sink. They match the host recognizer's error
// names so both paths share handling.
const (
	KindNetwork    = "network"
	KindNotAllowed = "not-allowed"
	KindAborted    = "aborted"
)

// ErrNotStarted is returned when audio arrives with no active stream.
var ErrNotStarted = errors.New("recognition stream not started")

// Config holds recognition settings.
type Config struct {
	LanguageCode   string
	SampleRateHz   int32
	AudioEncoding  string
	InterimResults bool
}

// DefaultConfig returns settings for 16 kHz LINEAR16 English audio.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   16000,
		AudioEncoding:  "LINEAR16",
		InterimResults: true,
	}
}

func parseAudioEncoding(enc string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToUpper(enc) {
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// Sink receives recognition output. Calls arrive on the stream's receive
// goroutine; implementations hand them to the session loop.
type Sink interface {
	Result(text string, final bool)
	Activity(ts time.Time)
	End()
	Error(kind string)
}

// OpenFunc opens a bidirectional recognition stream.
type OpenFunc func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)

// Client owns the shared Google Speech client.
type Client struct {
	speech *speech.Client
	cfg    Config
	log    zerolog.Logger
}

// NewClient connects to Google Speech-to-Text. Credentials come from
// GOOGLE_APPLICATION_CREDENTIALS.
func NewClient(ctx context.Context, cfg Config, log zerolog.Logger) (*Client, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}
	return &Client{speech: c, cfg: cfg, log: log}, nil
}

// Close releases the client connection.
func (c *Client) Close() error { return c.speech.Close() }

// NewStream returns a per-session recognizer bound to ctx.
func (c *Client) NewStream(ctx context.Context, sink Sink, log zerolog.Logger) *Stream {
	open := func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
		return c.speech.StreamingRecognize(ctx)
	}
	return NewStream(ctx, c.cfg, open, sink, log)
}

// Stream is one session's recognizer. Each Start opens a fresh Google
// stream; Stop closes it. Output of a stopped stream is discarded.
type Stream struct {
	ctx  context.Context
	cfg  Config
	open OpenFunc
	sink Sink
	log  zerolog.Logger
	now  func() time.Time

	mu     sync.Mutex
	gen    int
	client speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc
}

// NewStream creates a stream that opens connections with open.
func NewStream(ctx context.Context, cfg Config, open OpenFunc, sink Sink, log zerolog.Logger) *Stream {
	return &Stream{ctx: ctx, cfg: cfg, open: open, sink: sink, log: log, now: time.Now}
}

// Available reports that server-side recognition can be used.
func (s *Stream) Available() bool { return true }

// Start opens a new recognition stream and sends its configuration.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()

	ctx, cancel := context.WithCancel(s.ctx)
	client, err := s.open(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("open recognition stream: %w", err)
	}
	err = client.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   parseAudioEncoding(s.cfg.AudioEncoding),
					SampleRateHertz:            s.cfg.SampleRateHz,
					LanguageCode:               s.cfg.LanguageCode,
					EnableAutomaticPunctuation: false,
				},
				InterimResults: s.cfg.InterimResults,
			},
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("send recognition config: %w", err)
	}

	s.gen++
	s.client = client
	s.cancel = cancel
	go s.listen(s.gen, client)
	return nil
}

// Stop closes the current stream, if any.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

// SendAudio forwards one audio frame to the current stream.
func (s *Stream) SendAudio(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return ErrNotStarted
	}
	return s.client.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: frame},
	})
}

func (s *Stream) closeLocked() {
	if s.client == nil {
		return
	}
	s.gen++
	if err := s.client.CloseSend(); err != nil {
		s.log.Debug().Err(err).Msg("close recognition stream")
	}
	s.cancel()
	s.client, s.cancel = nil, nil
}

func (s *Stream) current(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

func (s *Stream) listen(gen int, client speechpb.Speech_StreamingRecognizeClient) {
	for {
		resp, err := client.Recv()
		if err != nil {
			if !s.current(gen) {
				return
			}
			s.detach(gen)
			if kind, ended := classify(err); ended {
				s.sink.End()
			} else {
				s.log.Warn().Err(err).Str("kind", kind).Msg("recognition stream failed")
				s.sink.Error(kind)
			}
			return
		}
		if !s.current(gen) {
			return
		}
		final, interim := splitResults(resp.GetResults())
		if final == "" && interim == "" {
			continue
		}
		s.sink.Activity(s.now())
		if final != "" {
			s.sink.Result(final, true)
		}
		if interim != "" {
			s.sink.Result(interim, false)
		}
	}
}

// splitResults joins the top alternatives of one response. Interim
// hypotheses arrive split into stable and unstable segments, so they only
// make sense together.
func splitResults(results []*speechpb.StreamingRecognitionResult) (final, interim string) {
	var done, pending []string
	for _, r := range results {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		text := strings.TrimSpace(alts[0].GetTranscript())
		if text == "" {
			continue
		}
		if r.GetIsFinal() {
			done = append(done, text)
		} else {
			pending = append(pending, text)
		}
	}
	return strings.Join(done, " "), strings.Join(pending, " ")
}

func (s *Stream) detach(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.client == nil {
		return
	}
	s.cancel()
	s.client, s.cancel = nil, nil
}

// classify maps a stream error to an error kind, or reports that the stream
// simply ended (EOF or the per-stream duration limit).
func classify(err error) (kind string, ended bool) {
	if errors.Is(err, io.EOF) {
		return "", true
	}
	switch status.Code(err) {
	case codes.OutOfRange, codes.DeadlineExceeded:
		return "", true
	case codes.Unavailable:
		return KindNetwork, false
	case codes.PermissionDenied, codes.Unauthenticated:
		return KindNotAllowed, false
	default:
		return KindAborted, false
	}
}
