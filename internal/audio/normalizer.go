package audio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vocalbridge/voice-gateway/internal/metrics"
)

// Encoding labels reported alongside normalized buffers.
const (
	EncodingPCM  = "pcm"
	EncodingWebM = "webm"
)

// webmMagic is the EBML header that opens every WebM/Matroska container.
var webmMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// Config holds audio normalization settings.
type Config struct {
	// TargetSampleRate is the sample rate of the canonical PCM output in Hz.
	TargetSampleRate int
	// TranscodeTimeout bounds a single external transcode invocation.
	TranscodeTimeout time.Duration
	// FFmpegPath overrides PATH resolution of the transcoder binary.
	FFmpegPath string
	// TempDir overrides the directory for transcode scratch files.
	TempDir string
}

// NormalizerStats tracks normalization activity.
type NormalizerStats struct {
	TranscodedBuffers  uint64        `json:"transcoded_buffers"`
	PassthroughBuffers uint64        `json:"passthrough_buffers"`
	FailedTranscodes   uint64        `json:"failed_transcodes"`
	AvgTranscodeTime   time.Duration `json:"avg_transcode_time"`
	TranscoderPresent  bool          `json:"transcoder_present"`
}

// Normalizer converts container-wrapped audio buffers to mono 16-bit
// little-endian PCM at a fixed sample rate. Buffers that do not match a
// known container magic are assumed to already be PCM and pass through
// untouched. When the transcoder binary is missing or an invocation fails,
// the original buffer is returned with its original encoding label so the
// stream keeps flowing.
type Normalizer struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	binPath string

	mu               sync.RWMutex
	transcoded       uint64
	passthrough      uint64
	failures         uint64
	avgTranscodeTime time.Duration
}

// NewNormalizer creates a normalizer and resolves the transcoder binary.
// A nil metrics handle disables instrumentation.
func NewNormalizer(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TargetSampleRate <= 0 {
		cfg.TargetSampleRate = 16000
	}
	if cfg.TranscodeTimeout <= 0 {
		cfg.TranscodeTimeout = 3 * time.Second
	}

	n := &Normalizer{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}

	if cfg.FFmpegPath != "" {
		n.binPath = cfg.FFmpegPath
	} else if path, err := exec.LookPath("ffmpeg"); err == nil {
		n.binPath = path
	}

	if n.binPath == "" {
		logger.Warn("Transcoder binary not found, container audio will pass through unconverted")
	} else {
		logger.Info("Audio normalizer initialized",
			slog.String("transcoder", n.binPath),
			slog.Int("target_sample_rate", cfg.TargetSampleRate),
			slog.Duration("transcode_timeout", cfg.TranscodeTimeout))
	}

	return n
}

// IsWebM reports whether the buffer opens with an EBML container header.
func IsWebM(buf []byte) bool {
	return len(buf) >= len(webmMagic) && bytes.Equal(buf[:len(webmMagic)], webmMagic)
}

// Normalize converts raw into canonical PCM when it carries a known
// container, and returns the buffer unchanged otherwise. The second return
// value labels the encoding of the returned bytes. Normalize never fails:
// on transcoder absence, timeout, or error the original buffer comes back
// with the "webm" label.
func (n *Normalizer) Normalize(ctx context.Context, raw []byte) ([]byte, string) {
	if !IsWebM(raw) {
		n.mu.Lock()
		n.passthrough++
		n.mu.Unlock()
		return raw, EncodingPCM
	}

	if n.binPath == "" {
		n.recordFailure(0)
		return raw, EncodingWebM
	}

	start := time.Now()
	pcm, err := n.transcode(ctx, raw)
	elapsed := time.Since(start)
	if err != nil {
		n.recordFailure(elapsed)
		n.logger.Warn("Transcode failed, passing buffer through",
			slog.Int("input_bytes", len(raw)),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))
		return raw, EncodingWebM
	}

	n.mu.Lock()
	n.transcoded++
	if n.avgTranscodeTime == 0 {
		n.avgTranscodeTime = elapsed
	} else {
		n.avgTranscodeTime = (n.avgTranscodeTime + elapsed) / 2
	}
	n.mu.Unlock()

	if n.metrics != nil {
		n.metrics.RecordTranscode(elapsed.Seconds(), false)
	}

	n.logger.Debug("Buffer transcoded",
		slog.Int("input_bytes", len(raw)),
		slog.Int("output_bytes", len(pcm)),
		slog.Duration("elapsed", elapsed))

	return pcm, EncodingPCM
}

// transcode shells out to ffmpeg through temp files. Scratch files are
// removed on every path, including timeouts.
func (n *Normalizer) transcode(ctx context.Context, raw []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.TranscodeTimeout)
	defer cancel()

	in, err := os.CreateTemp(n.cfg.TempDir, "vgw-in-*.webm")
	if err != nil {
		return nil, fmt.Errorf("failed to create input temp file: %w", err)
	}
	defer os.Remove(in.Name())

	if _, err := in.Write(raw); err != nil {
		in.Close()
		return nil, fmt.Errorf("failed to write input temp file: %w", err)
	}
	if err := in.Close(); err != nil {
		return nil, fmt.Errorf("failed to close input temp file: %w", err)
	}

	out, err := os.CreateTemp(n.cfg.TempDir, "vgw-out-*.raw")
	if err != nil {
		return nil, fmt.Errorf("failed to create output temp file: %w", err)
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	cmd := exec.CommandContext(ctx, n.binPath,
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-i", in.Name(),
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(n.cfg.TargetSampleRate),
		outPath)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("transcode timed out after %s", n.cfg.TranscodeTimeout)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("transcoder failed: %w: %s", err, detail)
		}
		return nil, fmt.Errorf("transcoder failed: %w", err)
	}

	pcm, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcoded output: %w", err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("transcoder produced no output")
	}

	return pcm, nil
}

func (n *Normalizer) recordFailure(elapsed time.Duration) {
	n.mu.Lock()
	n.failures++
	n.mu.Unlock()
	if n.metrics != nil {
		n.metrics.RecordTranscode(elapsed.Seconds(), true)
	}
}

// Available reports whether a transcoder binary was resolved.
func (n *Normalizer) Available() bool {
	return n.binPath != ""
}

// TargetSampleRate returns the sample rate of canonical PCM output.
func (n *Normalizer) TargetSampleRate() int {
	return n.cfg.TargetSampleRate
}

// Stats returns a snapshot of normalization activity.
func (n *Normalizer) Stats() NormalizerStats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return NormalizerStats{
		TranscodedBuffers:  n.transcoded,
		PassthroughBuffers: n.passthrough,
		FailedTranscodes:   n.failures,
		AvgTranscodeTime:   n.avgTranscodeTime,
		TranscoderPresent:  n.binPath != "",
	}
}
