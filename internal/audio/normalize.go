package audio

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"modelkeeper/internal/common/execx"
	"modelkeeper/internal/errs"
)

// Normalizer converts recorded audio to canonical 16 kHz mono samples,
// shelling out to ffmpeg for anything that is not already canonical WAV.
type Normalizer struct {
	FFmpegPath string
	Runner     execx.Runner
	log        zerolog.Logger
	lookPath   func(configured, name string) (string, error)
}

// NewNormalizer returns a Normalizer using ffmpegPath, or ffmpeg from PATH
// when empty.
func NewNormalizer(ffmpegPath string, lg *zerolog.Logger) *Normalizer {
	n := &Normalizer{FFmpegPath: ffmpegPath, Runner: execx.ExecRunner{}, log: zerolog.Nop(), lookPath: execx.LookPath}
	if lg != nil {
		n.log = lg.With().Str("component", "audio").Logger()
	}
	return n
}

// FFmpeg resolves the ffmpeg executable.
func (n *Normalizer) FFmpeg() (string, error) {
	p, err := n.lookPath(n.FFmpegPath, "ffmpeg")
	if err != nil {
		return "", errs.Wrapf(errs.Unavailable, "normalize audio", err, "ffmpeg not found; it is required for audio conversion")
	}
	return p, nil
}

// BuildFFmpegArgs is the conversion command line.
func BuildFFmpegArgs(in, out string) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", in,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(SampleRate),
		"-c:a", "pcm_s16le",
		out,
	}
}

// Normalize returns b as canonical samples.
func (n *Normalizer) Normalize(ctx context.Context, b []byte) (Clip, error) {
	const op = "normalize audio"
	if len(b) == 0 {
		return Clip{}, errs.E(errs.Invalid, op, "empty audio")
	}
	if IsWAV(b) {
		clip, err := DecodeWAV(b)
		if err == nil && IsCanonical(clip) {
			return clip, nil
		}
		n.log.Debug().Err(err).Int("rate", clip.SampleRate).Int("channels", clip.Channels).Msg("wav needs conversion")
	}

	ffmpeg, err := n.FFmpeg()
	if err != nil {
		return Clip{}, err
	}
	dir, err := os.MkdirTemp("", "modelkeeper-audio-*")
	if err != nil {
		return Clip{}, errs.Wrap(errs.Unknown, op, err)
	}
	defer func() { _ = os.RemoveAll(dir) }()
	in := filepath.Join(dir, "input")
	out := filepath.Join(dir, "normalized.wav")
	if err := os.WriteFile(in, b, 0o600); err != nil {
		return Clip{}, errs.Wrap(errs.Unknown, op, err)
	}

	args := BuildFFmpegArgs(in, out)
	res, err := n.Runner.Run(ctx, ffmpeg, args...)
	if err != nil {
		if ctx.Err() != nil {
			return Clip{}, errs.Wrap(errs.Cancelled, op, ctx.Err())
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return Clip{}, errs.Wrapf(errs.Unavailable, op, err, "run ffmpeg")
		}
		e := errs.Wrapf(errs.Invalid, op, err, "ffmpeg could not convert audio: %s", execx.Tail(res.Stderr, 500))
		e.ExitCode = res.ExitCode
		e.Stderr = res.Stderr
		return Clip{}, e
	}
	wav, err := os.ReadFile(out)
	if err != nil {
		return Clip{}, errs.Wrapf(errs.Invalid, op, err, "ffmpeg produced no output")
	}
	clip, err := DecodeWAV(wav)
	if err != nil {
		return Clip{}, err
	}
	if !IsCanonical(clip) {
		return Clip{}, errs.E(errs.Invalid, op, "ffmpeg output is not 16 kHz mono")
	}
	n.log.Debug().Int("input_bytes", len(b)).Float64("seconds", clip.Duration()).Msg("audio converted")
	return clip, nil
}
