package sampler

import (
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
	"github.com/pojntfx/latencybench/pkg/alignment"
	"github.com/rs/zerolog"
)

// MaxReadAttempts bounds the failed read calls spent on a single block.
const MaxReadAttempts = 8

var (
	ErrSeekMismatch = errors.New("seek landed on unexpected position")
	ErrInvalidRun   = errors.New("invalid sampler configuration")
)

type File interface {
	io.ReadSeeker
	io.Closer
}

type Opener func(path string) (File, error)

// OpenDirect opens path read-only, bypassing the page cache.
func OpenDirect(path string) (File, error) {
	f, err := directio.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}

	return f, nil
}

type Sample struct {
	Offset        int64
	LatencyMicros int64
	Err           error
}

type Series struct {
	Alignment alignment.Info
	BlockSize int

	// Samples is empty if the run was configured with DiscardSamples.
	Samples []Sample

	Count  int
	Errors int
}

func (s *Series) Latencies() []int64 {
	latencies := make([]int64, len(s.Samples))
	for i, sample := range s.Samples {
		latencies[i] = sample.LatencyMicros
	}

	return latencies
}

func (s *Series) Failed() int {
	return s.Errors
}

type Options struct {
	FileSize    int64
	SampleCount int
	Alignment   alignment.Info
	Seed        int64

	// DiscardSamples keeps samples out of the returned Series; they are only
	// delivered through Hooks.OnSample.
	DiscardSamples bool

	Open Opener
	Now  func() time.Time
}

type Hooks struct {
	// OnSample is called in issuance order right after a sample is taken,
	// outside of the timed section.
	OnSample func(i int, sample Sample) error
}

type Sampler struct {
	buf   *Buffer
	opts  Options
	hooks *Hooks
	log   zerolog.Logger

	rng *rand.Rand
}

func New(
	buf *Buffer,
	opts Options,
	hooks *Hooks,
	log zerolog.Logger,
) (*Sampler, error) {
	if buf == nil || buf.Len() == 0 {
		return nil, errors.Wrap(ErrInvalidRun, "missing read buffer")
	}

	if opts.SampleCount <= 0 {
		return nil, errors.Wrapf(ErrInvalidRun, "sample count %v must be positive", opts.SampleCount)
	}

	if !alignment.IsPowerOfTwo(opts.Alignment.RequiredAlignment) {
		return nil, errors.Wrapf(ErrInvalidRun, "alignment %v is not a power of two", opts.Alignment.RequiredAlignment)
	}

	if !IsAligned(buf.Bytes(), opts.Alignment.RequiredAlignment) {
		return nil, errors.Wrapf(ErrInvalidRun, "read buffer is not aligned to %v", opts.Alignment.RequiredAlignment)
	}

	if opts.FileSize < int64(buf.Len()) {
		return nil, errors.Wrapf(ErrInvalidRun, "file size %v is smaller than one block of %v", opts.FileSize, buf.Len())
	}

	if opts.Open == nil {
		opts.Open = OpenDirect
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if hooks == nil {
		hooks = &Hooks{}
	}

	return &Sampler{
		buf:   buf,
		opts:  opts,
		hooks: hooks,
		log:   log,

		rng: rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// Run samples the workload file at path and removes it afterwards. Only a
// failure to open the file is returned; everything else is recorded per sample.
func (s *Sampler) Run(path string) (*Series, error) {
	if !s.opts.Alignment.IsAccurate {
		s.log.Warn().Msg("Latencies will be inaccurate: this platform can't report the required buffer alignment")
	}

	if s.buf.Len() < s.opts.Alignment.RequiredAlignment {
		s.log.Warn().
			Int("blockSize", s.buf.Len()).
			Int("alignment", s.opts.Alignment.RequiredAlignment).
			Msg("Block size is smaller than the required alignment, direct reads may fail")
	}

	f, err := s.opts.Open(path)
	if err != nil {
		s.remove(path)

		return nil, errors.Wrapf(err, "could not open %v for direct I/O", path)
	}

	s.log.Info().
		Int("samples", s.opts.SampleCount).
		Int("blockSize", s.buf.Len()).
		Msg("Collecting latency measurements")

	series := &Series{
		Alignment: s.opts.Alignment,
		BlockSize: s.buf.Len(),
	}
	if !s.opts.DiscardSamples {
		series.Samples = make([]Sample, 0, s.opts.SampleCount)
	}

	for i := 0; i < s.opts.SampleCount; i++ {
		sample := s.measure(f, s.nextOffset())

		series.Count++
		if sample.Err != nil {
			series.Errors++

			s.log.Error().
				Err(sample.Err).
				Int("sample", i).
				Int64("offset", sample.Offset).
				Msg("Sample failed")
		}

		if !s.opts.DiscardSamples {
			series.Samples = append(series.Samples, sample)
		}

		if hook := s.hooks.OnSample; hook != nil {
			if err := hook(i, sample); err != nil {
				s.log.Error().Err(err).Int("sample", i).Msg("Sample hook failed")
			}
		}
	}

	if err := f.Close(); err != nil {
		s.log.Error().Err(err).Msg("Could not close workload file")
	}

	s.remove(path)

	if failed := series.Failed(); failed > 0 {
		s.log.Warn().Int("failed", failed).Msg("Some samples reported errors")
	}

	return series, nil
}

func (s *Sampler) remove(path string) {
	if err := os.Remove(path); err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("Could not remove workload file")
	}
}

func (s *Sampler) nextOffset() int64 {
	return AlignedOffset(
		s.rng.Int63n(s.opts.FileSize),
		s.opts.FileSize,
		int64(s.buf.Len()),
		int64(s.opts.Alignment.RequiredAlignment),
	)
}

// AlignedOffset rounds raw down to align and steps back by whole alignment
// units if a block read from there would run past fileSize.
func AlignedOffset(raw, fileSize, blockSize, align int64) int64 {
	off := raw - raw%align

	if off+blockSize > fileSize {
		off = fileSize - blockSize
		off -= off % align
	}

	if off < 0 {
		return 0
	}

	return off
}

func (s *Sampler) measure(f File, off int64) Sample {
	var seekErr error

	start := s.opts.Now()

	pos, err := f.Seek(off, io.SeekStart)
	if err != nil {
		seekErr = errors.Wrapf(err, "could not seek to %v", off)
	} else if pos != off {
		seekErr = errors.Wrapf(ErrSeekMismatch, "requested %v, got %v", off, pos)
	}

	failedReads, readErr := readBlock(f, s.buf.Bytes())

	end := s.opts.Now()

	for attempt, err := range failedReads {
		s.log.Warn().
			Err(err).
			Int64("offset", off).
			Int("attempt", attempt+1).
			Msg("Read call failed")
	}

	sample := Sample{
		Offset:        off,
		LatencyMicros: end.Sub(start).Microseconds(),
	}

	switch {
	case seekErr != nil && readErr != nil:
		s.log.Error().Err(seekErr).Int64("offset", off).Msg("Seek failed")

		sample.Err = readErr
	case seekErr != nil:
		sample.Err = seekErr
	default:
		sample.Err = readErr
	}

	return sample
}

// readBlock fills p from r. Every failed read call is returned in failed so it
// can be reported once the sample's timing window is closed.
func readBlock(r io.Reader, p []byte) ([]error, error) {
	var failed []error

	failures := 0
	for read := 0; read < len(p); {
		n, err := r.Read(p[read:])
		read += n

		if n > 0 {
			failures = 0
		}

		if err == nil {
			if n == 0 {
				failures++
				if failures >= MaxReadAttempts {
					return failed, errors.Wrapf(io.ErrNoProgress, "read %v of %v bytes", read, len(p))
				}
			}

			continue
		}

		if errors.Is(err, io.EOF) {
			if read < len(p) {
				return failed, errors.Wrapf(io.ErrUnexpectedEOF, "read %v of %v bytes", read, len(p))
			}

			return failed, nil
		}

		failed = append(failed, err)

		failures++
		if failures >= MaxReadAttempts {
			return failed, errors.Wrapf(err, "could not read block after %v consecutive attempts, read %v of %v bytes", failures, read, len(p))
		}
	}

	return failed, nil
}
