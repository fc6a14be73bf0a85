package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"modelkeeper/internal/audio"
	"modelkeeper/internal/metrics"
)

const (
	// MaxSegmentSamples caps one recognizer request at 30 s of audio.
	MaxSegmentSamples = 30 * audio.SampleRate
	// SilenceRMS is the level below which a clip is treated as silence.
	SilenceRMS = 0.001
)

// EnsureFunc starts the recognizer if needed and returns its host:port.
type EnsureFunc func(ctx context.Context) (string, error)

// TranscribeOptions tunes one transcription.
type TranscribeOptions struct {
	Language string
	// MaxSegmentSamples overrides the segment cap; 0 uses the default.
	MaxSegmentSamples int
}

// Transcript is the joined result of every segment.
type Transcript struct {
	Text     string        `json:"text"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	Language string        `json:"language"`
	Segments int           `json:"segments"`
	Duration float64       `json:"duration_seconds"`
}

// Transcriber normalizes audio and streams it to a sherpa recognizer.
type Transcriber struct {
	Normalizer *audio.Normalizer
	Dialer     *websocket.Dialer
	Client     *Client
}

// NewTranscriber returns a Transcriber using n for conversion.
func NewTranscriber(n *audio.Normalizer, c *Client) *Transcriber {
	return &Transcriber{Normalizer: n, Dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}, Client: c}
}

// Transcribe converts raw audio to text. Silent clips return an empty
// transcript without starting the recognizer.
func (t *Transcriber) Transcribe(ctx context.Context, raw []byte, ensure EnsureFunc, opts TranscribeOptions) (tr Transcript, err error) {
	const op = "transcribe"
	began := time.Now()
	defer func() {
		metrics.GatewayDuration.WithLabelValues(op, metrics.Result(err)).Observe(time.Since(began).Seconds())
	}()
	lang := opts.Language
	if lang == "" {
		lang = "auto"
	}
	clip, err := t.Normalizer.Normalize(ctx, raw)
	if err != nil {
		return Transcript{}, err
	}
	tr = Transcript{Language: lang, Duration: clip.Duration()}
	rms := audio.RMS(clip.Samples)
	log := t.Client.log.With().Float64("seconds", tr.Duration).Float64("rms", rms).Logger()
	if rms < SilenceRMS {
		log.Debug().Msg("silent clip; skipping recognizer")
		return tr, nil
	}

	addr, err := ensure(ctx)
	if err != nil {
		return Transcript{}, err
	}
	max := opts.MaxSegmentSamples
	if max <= 0 {
		max = MaxSegmentSamples
	}
	segments := audio.Segments(clip.Samples, max)
	sess, err := dialRecognizer(ctx, t.Dialer, addr)
	if err != nil {
		return Transcript{}, err
	}
	defer sess.close()

	texts := make([]string, 0, len(segments))
	for i, seg := range segments {
		text, elapsed, err := sess.recognize(ctx, seg, clip.SampleRate)
		if err != nil {
			return Transcript{}, fmt.Errorf("segment %d/%d: %w", i+1, len(segments), err)
		}
		tr.Elapsed += elapsed
		if text != "" {
			texts = append(texts, text)
		}
	}
	tr.Text = strings.Join(texts, " ")
	tr.Segments = len(segments)
	log.Debug().Int("segments", tr.Segments).Dur("elapsed", tr.Elapsed).Msg("transcription done")
	return tr, nil
}
