package speech

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/koscakluka/ema-surgery/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var ErrSpeechDisabled = errors.New("speech output disabled")

var errChunkTimeout = errors.New("chunk synthesis timed out")

const (
	DisabledNotice = "Speech output was disabled after repeated connection failures. Re-enable speech to try again."

	backlogSize = 16
)

var chunkCounter, _ = meter.Int64Counter("speech.chunks",
	metric.WithDescription("Synthesis chunks by result"))

// Streamer speaks text for one session. Text is split into chunks which are
// synthesized one at a time over a persistent channel, and the resulting
// audio is handed to the playback queue in order.
type Streamer struct {
	synthesizer texttospeech.Synthesizer
	queue       *PlaybackQueue
	options     StreamerOptions

	jobs chan speechJob

	mu         sync.Mutex
	state      ConnState
	failures   int // consecutive failed connects
	losses     int // channels lost since the last synthesized chunk
	noticeSent bool
	generation uint64
	cancelJob  context.CancelFunc

	// channel is only touched by the Run goroutine
	channel texttospeech.Channel
}

type speechJob struct {
	text       string
	generation uint64
}

func NewStreamer(synthesizer texttospeech.Synthesizer, queue *PlaybackQueue, opts ...StreamerOption) *Streamer {
	options := StreamerOptions{
		MaxChunkLength:    DefaultMaxChunkLength,
		ChunkTimeout:      DefaultChunkTimeout,
		MaxReconnects:     DefaultMaxReconnects,
		ReconnectBackoff:  DefaultReconnectBackoff,
		NoticeCallback:    func(string) {},
		ChunkCallback:     func(string) {},
		ReconnectCallback: func() {},
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Streamer{
		synthesizer: synthesizer,
		queue:       queue,
		options:     options,
		jobs:        make(chan speechJob, backlogSize),
	}
}

func (s *Streamer) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Speak queues text for synthesis. It returns ErrSpeechDisabled while speech
// is disabled.
func (s *Streamer) Speak(text string) error {
	if strings.TrimSpace(text) == "" {
		logger.Warn("dropping empty speech request")
		return nil
	}

	s.mu.Lock()
	disabled := s.state == StateDisabled
	job := speechJob{text: text, generation: s.generation}
	s.mu.Unlock()

	if disabled {
		return ErrSpeechDisabled
	}

	select {
	case s.jobs <- job:
	default:
		logger.Warn("speech backlog full, dropping request", "length", len(text))
	}
	return nil
}

// Cancel abandons the chunk in flight, drops queued text and clears the
// playback queue.
func (s *Streamer) Cancel() {
	s.mu.Lock()
	s.generation++
	if s.cancelJob != nil {
		s.cancelJob()
	}
	s.mu.Unlock()

	s.queue.Clear()
}

// Enable re-enables speech after it was disabled and resets the retry
// budget.
func (s *Streamer) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisabled {
		s.state = StateIdle
	}
	s.failures = 0
	s.losses = 0
	s.noticeSent = false
}

// Run processes speech requests until ctx is done.
func (s *Streamer) Run(ctx context.Context) {
	defer s.dropChannel()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.jobs:
			s.process(ctx, job)
		}
	}
}

func (s *Streamer) process(ctx context.Context, job speechJob) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if job.generation != s.generation {
		s.mu.Unlock()
		return
	}
	s.cancelJob = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelJob = nil
		s.mu.Unlock()
	}()

	chunks := Split(job.text, s.options.MaxChunkLength)

	jobCtx, span := tracer.Start(jobCtx, "speak")
	defer span.End()
	span.SetAttributes(attribute.Int("speech.chunks", len(chunks)))

	for i, text := range chunks {
		if jobCtx.Err() != nil {
			s.reportChunk(jobCtx, "cancelled")
			return
		}

		seq := s.queue.Reserve()
		audio, err := s.synthesizeChunk(jobCtx, texttospeech.Chunk{
			Text:        text,
			Index:       i,
			TotalChunks: len(chunks),
		})
		if err == nil {
			s.queue.Enqueue(seq, audio)
			s.reportChunk(jobCtx, "ok")
			continue
		}

		s.queue.Skip(seq)
		switch {
		case errors.Is(err, ErrSpeechDisabled):
			span.SetStatus(codes.Error, err.Error())
			return
		case jobCtx.Err() != nil:
			s.reportChunk(jobCtx, "cancelled")
			return
		case errors.Is(err, errChunkTimeout):
			logger.Warn("abandoning chunk after timeout", "chunk_index", i, "total_chunks", len(chunks))
			s.reportChunk(jobCtx, "timeout")
		default:
			logger.Warn("abandoning chunk after synthesis failure", "chunk_index", i, "error", err)
			s.reportChunk(jobCtx, "failed")
		}
	}
}

func (s *Streamer) synthesizeChunk(ctx context.Context, chunk texttospeech.Chunk) ([]byte, error) {
	for {
		channel, err := s.ensureChannel(ctx)
		if err != nil {
			return nil, err
		}

		chunkCtx, cancel := context.WithTimeout(ctx, s.options.ChunkTimeout)
		audio, err := channel.Synthesize(chunkCtx, chunk)
		cancel()

		switch {
		case err == nil:
			s.mu.Lock()
			s.losses = 0
			s.mu.Unlock()
			return audio, nil
		case ctx.Err() != nil:
			// The job was cancelled; the channel may still deliver audio for
			// this chunk, so it cannot be reused.
			s.dropChannel()
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			s.dropChannel()
			return nil, errChunkTimeout
		case errors.Is(err, texttospeech.ErrSynthesisFailed):
			return nil, err
		default:
			logger.Warn("synthesis channel lost", "error", err)
			s.dropChannel()
			s.mu.Lock()
			s.losses++
			losses := s.losses
			s.mu.Unlock()
			// Each loss gets the full connect budget; a channel that keeps
			// dying after connecting is bounded by the same number.
			if losses > s.options.MaxReconnects {
				s.disable()
				return nil, ErrSpeechDisabled
			}
			s.options.ReconnectCallback()
		}
	}
}

// ensureChannel returns the open channel or connects a new one, retrying
// with a fixed backoff. Speech is disabled once consecutive connect failures
// reach the configured bound.
func (s *Streamer) ensureChannel(ctx context.Context) (texttospeech.Channel, error) {
	for s.channel == nil {
		s.mu.Lock()
		state, failures := s.state, s.failures
		s.mu.Unlock()

		if state == StateDisabled {
			return nil, ErrSpeechDisabled
		}
		if failures >= s.options.MaxReconnects {
			s.disable()
			return nil, ErrSpeechDisabled
		}

		if failures > 0 {
			s.setState(StateBackoff)
			timer := time.NewTimer(s.options.ReconnectBackoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		s.setState(StateConnecting)
		channel, err := s.synthesizer.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("failed to connect to synthesis engine", "attempt", failures+1, "error", err)
			s.mu.Lock()
			s.failures++
			s.mu.Unlock()
			s.options.ReconnectCallback()
			continue
		}

		s.channel = channel
		s.mu.Lock()
		s.failures = 0
		s.mu.Unlock()
		s.setState(StateConnected)
	}
	return s.channel, nil
}

func (s *Streamer) dropChannel() {
	if s.channel == nil {
		return
	}
	if err := s.channel.Close(); err != nil {
		logger.Debug("failed to close synthesis channel", "error", err)
	}
	s.channel = nil

	s.mu.Lock()
	if s.state != StateDisabled {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

func (s *Streamer) disable() {
	s.mu.Lock()
	s.state = StateDisabled
	notify := !s.noticeSent
	s.noticeSent = true
	s.mu.Unlock()

	if notify {
		logger.Error("speech output disabled after repeated connection failures", "attempts", s.options.MaxReconnects)
		s.options.NoticeCallback(DisabledNotice)
	}
}

func (s *Streamer) setState(state ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisabled {
		s.state = state
	}
}

func (s *Streamer) reportChunk(ctx context.Context, result string) {
	if chunkCounter != nil {
		chunkCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
	s.options.ChunkCallback(result)
}
