// Package playback reorders audio parts and renders them as one continuous
// signal.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speechstream/internal/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sink decodes raw parts and renders decoded clips. Render blocks until the
// clip has finished or ctx is cancelled.
type Sink interface {
	Decode(data []byte) (audio.Clip, error)
	Render(ctx context.Context, clip audio.Clip) error
}

type Config struct {
	MaxQueue     int
	MaxDuration  time.Duration
	LookBehind   int
	PollInterval time.Duration
	StartDelay   time.Duration
	GapTimeout   time.Duration
	DrainTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxQueue:     50,
		MaxDuration:  600 * time.Second,
		LookBehind:   10,
		PollInterval: 50 * time.Millisecond,
		StartDelay:   50 * time.Millisecond,
		GapTimeout:   500 * time.Millisecond,
		DrainTimeout: 30 * time.Second,
	}
}

// Result reports what Submit did with a part.
type Result string

const (
	ResultAccepted        Result = "accepted"
	ResultQueueFull       Result = "queue_full"
	ResultDurationCeiling Result = "duration_ceiling"
	ResultDecodeFailed    Result = "decode_failed"
	ResultClosed          Result = "closed"
)

type Stats struct {
	QueueSize             int
	TotalBufferedDuration time.Duration
	NextPartToPlay        int
	CursorSet             bool
	IsRendering           bool
	Received              int
	Rendered              int
	Dropped               int
	Skipped               int
	Evicted               int
	Failed                int
	MinPartID             int
	MaxPartID             int
	// FirstAudioLatency is the time from the first accepted part to the
	// start of the first render.
	FirstAudioLatency time.Duration
}

// Sequencer holds decoded parts keyed by part id and renders them strictly
// in id order, one at a time.
type Sequencer struct {
	sink Sink
	cfg  Config
	log  *slog.Logger
	now  func() time.Time

	mu           sync.Mutex
	parts        map[int]audio.Clip
	buffered     time.Duration
	cursor       int
	cursorSet    bool
	firstSubmit  time.Time
	gapSince     time.Time
	rendering    bool
	renderCancel context.CancelFunc
	gen          uint64
	ended        bool
	finished     bool
	done         chan struct{}
	poll         *time.Timer
	drain        *time.Timer
	stats        Stats

	partsCounter  metric.Int64Counter
	renderCounter metric.Int64Counter
	skipCounter   metric.Int64Counter
	evictCounter  metric.Int64Counter
}

func New(sink Sink, cfg Config, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = def.MaxQueue
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	s := &Sequencer{
		sink:  sink,
		cfg:   cfg,
		log:   logger.With(slog.String("component", "playback")),
		now:   time.Now,
		parts: make(map[int]audio.Clip),
		done:  make(chan struct{}),
	}
	s.initMetrics()
	return s
}

// Submit decodes and buffers a part. Parts that cannot be buffered are
// dropped and logged; the returned Result says why.
func (s *Sequencer) Submit(partID int, raw []byte) Result {
	s.mu.Lock()
	res := s.admitLocked(partID)
	s.mu.Unlock()
	if res != ResultAccepted {
		return s.drop(partID, res, nil)
	}

	clip, err := s.sink.Decode(raw)
	if err != nil {
		return s.drop(partID, ResultDecodeFailed, err)
	}

	s.mu.Lock()
	if res := s.admitLocked(partID); res != ResultAccepted {
		s.mu.Unlock()
		return s.drop(partID, res, nil)
	}
	if prev, ok := s.parts[partID]; ok {
		s.buffered -= prev.Duration()
	} else {
		s.stats.Received++
	}
	s.parts[partID] = clip
	s.buffered += clip.Duration()
	if s.stats.Received == 1 || partID < s.stats.MinPartID {
		s.stats.MinPartID = partID
	}
	if s.stats.Received == 1 || partID > s.stats.MaxPartID {
		s.stats.MaxPartID = partID
	}
	if s.firstSubmit.IsZero() {
		s.firstSubmit = s.now()
	}
	s.log.Debug("part buffered",
		slog.Int("part_id", partID),
		slog.Duration("duration", clip.Duration()),
		slog.Int("queue", len(s.parts)))

	s.cleanupLocked()
	s.advanceLocked()
	s.mu.Unlock()

	s.count(ResultAccepted)
	return ResultAccepted
}

// EndOfStream marks the input complete and returns a channel that is closed
// once every reachable part has rendered, after DrainTimeout, or on Stop.
// Pending gaps are skipped without waiting from here on.
func (s *Sequencer) EndOfStream() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended && !s.finished {
		s.ended = true
		gen := s.gen
		s.drain = time.AfterFunc(s.cfg.DrainTimeout, func() { s.drainExpired(gen) })
		s.advanceLocked()
	}
	return s.done
}

// Done is closed when the current sequence has drained or was stopped.
func (s *Sequencer) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Stop cancels the clip being rendered, discards everything buffered and
// releases waiters on the current sequence. Parts submitted afterwards start
// a new sequence with its own cursor. A render that completes after Stop has
// no effect.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.renderCancel != nil {
		s.renderCancel()
		s.renderCancel = nil
	}
	s.rendering = false
	s.parts = make(map[int]audio.Clip)
	s.buffered = 0
	s.cursor = 0
	s.cursorSet = false
	s.gapSince = time.Time{}
	s.firstSubmit = time.Time{}
	s.finishLocked()

	s.stats = Stats{}
	s.ended = false
	s.finished = false
	s.done = make(chan struct{})
	s.log.Debug("playback stopped")
}

func (s *Sequencer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.QueueSize = len(s.parts)
	st.TotalBufferedDuration = s.buffered
	st.NextPartToPlay = s.cursor
	st.CursorSet = s.cursorSet
	st.IsRendering = s.rendering
	return st
}

func (s *Sequencer) admitLocked(partID int) Result {
	if s.ended {
		return ResultClosed
	}
	if _, ok := s.parts[partID]; !ok && len(s.parts) >= s.cfg.MaxQueue {
		s.reclaimLocked()
		if len(s.parts) >= s.cfg.MaxQueue {
			return ResultQueueFull
		}
	}
	if s.buffered >= s.cfg.MaxDuration {
		s.reclaimLocked()
		if s.buffered >= s.cfg.MaxDuration {
			return ResultDurationCeiling
		}
	}
	return ResultAccepted
}

func (s *Sequencer) drop(partID int, res Result, err error) Result {
	s.mu.Lock()
	s.stats.Dropped++
	queue := len(s.parts)
	s.mu.Unlock()

	attrs := []any{slog.Int("part_id", partID), slog.String("reason", string(res)), slog.Int("queue", queue)}
	if err != nil {
		attrs = append(attrs, slogError(err))
	}
	if res == ResultClosed {
		s.log.Debug("part dropped", attrs...)
	} else {
		s.log.Warn("part dropped", attrs...)
	}
	s.count(res)
	return res
}

// advanceLocked starts the next render if one is due. Caller holds mu.
func (s *Sequencer) advanceLocked() {
	if s.finished || s.rendering {
		return
	}
	now := s.now()

	if !s.cursorSet {
		if len(s.parts) == 0 {
			if s.ended {
				s.finishLocked()
			}
			return
		}
		if wait := s.cfg.StartDelay - now.Sub(s.firstSubmit); !s.ended && wait > 0 {
			s.schedulePollLocked(wait)
			return
		}
		s.cursor = s.minPartLocked()
		s.cursorSet = true
		s.log.Debug("playback cursor set", slog.Int("part_id", s.cursor))
	}

	clip, ok := s.parts[s.cursor]
	if !ok {
		next, found := s.nextPartLocked()
		if !found {
			if s.ended {
				s.finishLocked()
			}
			return
		}
		if !s.ended {
			if s.gapSince.IsZero() {
				s.gapSince = now
			}
			if wait := s.cfg.GapTimeout - now.Sub(s.gapSince); wait > 0 {
				s.schedulePollLocked(wait)
				return
			}
		}
		skipped := next - s.cursor
		s.log.Info("skipping missing parts",
			slog.Int("from", s.cursor),
			slog.Int("to", next),
			slog.Int("skipped", skipped))
		s.stats.Skipped += skipped
		if s.skipCounter != nil {
			s.skipCounter.Add(context.Background(), int64(skipped))
		}
		s.cursor = next
		clip = s.parts[next]
	}
	s.gapSince = time.Time{}

	partID := s.cursor
	delete(s.parts, partID)
	s.buffered -= clip.Duration()
	s.cursor++
	s.rendering = true
	if s.stats.Rendered == 0 && s.stats.Failed == 0 && !s.firstSubmit.IsZero() {
		s.stats.FirstAudioLatency = now.Sub(s.firstSubmit)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.renderCancel = cancel
	go s.render(ctx, s.gen, partID, clip)
}

func (s *Sequencer) render(ctx context.Context, gen uint64, partID int, clip audio.Clip) {
	err := s.sink.Render(ctx, clip)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	if s.renderCancel != nil {
		s.renderCancel()
		s.renderCancel = nil
	}
	s.rendering = false
	if err != nil && !errors.Is(err, context.Canceled) {
		s.stats.Failed++
		s.log.Warn("render failed", slog.Int("part_id", partID), slogError(err))
	} else {
		s.stats.Rendered++
		if s.renderCounter != nil {
			s.renderCounter.Add(context.Background(), 1)
		}
	}
	s.advanceLocked()
}

// nextPartLocked returns the smallest buffered id above the cursor.
func (s *Sequencer) nextPartLocked() (int, bool) {
	next, found := 0, false
	for id := range s.parts {
		if id > s.cursor && (!found || id < next) {
			next, found = id, true
		}
	}
	return next, found
}

func (s *Sequencer) minPartLocked() int {
	first := true
	lowest := 0
	for id := range s.parts {
		if first || id < lowest {
			lowest, first = id, false
		}
	}
	return lowest
}

// cleanupLocked evicts parts too far behind the cursor once the queue nears
// its ceiling.
func (s *Sequencer) cleanupLocked() {
	if !s.cursorSet || len(s.parts) < s.cfg.MaxQueue-5 {
		return
	}
	s.evictBelowLocked(s.cursor - s.cfg.LookBehind)
}

// reclaimLocked frees every part behind the cursor. None of them can render
// any more, so they never hold a ceiling against a reachable part.
func (s *Sequencer) reclaimLocked() {
	if s.cursorSet {
		s.evictBelowLocked(s.cursor)
	}
}

func (s *Sequencer) evictBelowLocked(floor int) {
	evicted := 0
	for id, clip := range s.parts {
		if id < floor {
			delete(s.parts, id)
			s.buffered -= clip.Duration()
			evicted++
		}
	}
	if evicted == 0 {
		return
	}
	s.stats.Evicted += evicted
	if s.evictCounter != nil {
		s.evictCounter.Add(context.Background(), int64(evicted))
	}
	s.log.Debug("evicted stale parts", slog.Int("count", evicted), slog.Int("cursor", s.cursor))
}

func (s *Sequencer) schedulePollLocked(wait time.Duration) {
	if wait > s.cfg.PollInterval {
		wait = s.cfg.PollInterval
	}
	if s.poll != nil {
		s.poll.Stop()
	}
	gen := s.gen
	s.poll = time.AfterFunc(wait, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen == s.gen {
			s.advanceLocked()
		}
	})
}

func (s *Sequencer) drainExpired(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.finished {
		return
	}
	s.log.Warn("playback drain timed out",
		slog.Int("queue", len(s.parts)),
		slog.Bool("rendering", s.rendering))
	s.finishLocked()
}

func (s *Sequencer) finishLocked() {
	if s.finished {
		return
	}
	s.finished = true
	if s.poll != nil {
		s.poll.Stop()
		s.poll = nil
	}
	if s.drain != nil {
		s.drain.Stop()
		s.drain = nil
	}
	close(s.done)
}

func (s *Sequencer) count(res Result) {
	if s.partsCounter != nil {
		s.partsCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", string(res))))
	}
}

func (s *Sequencer) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-speechstream/playback")
	var err error
	if s.partsCounter, err = meter.Int64Counter("speechstream.playback.parts", metric.WithDescription("Submitted audio parts by result")); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	if s.renderCounter, err = meter.Int64Counter("speechstream.playback.rendered", metric.WithDescription("Rendered audio parts")); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	if s.skipCounter, err = meter.Int64Counter("speechstream.playback.skipped", metric.WithDescription("Part ids skipped as missing")); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	if s.evictCounter, err = meter.Int64Counter("speechstream.playback.evicted", metric.WithDescription("Parts evicted behind the cursor")); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
