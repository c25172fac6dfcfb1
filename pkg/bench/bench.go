package bench

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/pojntfx/latencybench/pkg/alignment"
	"github.com/pojntfx/latencybench/pkg/sampler"
	"github.com/pojntfx/latencybench/pkg/workload"
	"github.com/rs/zerolog"
)

// MinFileSize is one I/O block.
const MinFileSize = 4096

type Config struct {
	FileSizeBytes int64
	SampleCount   int
	TargetPath    string

	WorkPath        string
	Seed            int64
	BlockSizePolicy sampler.BlockSizePolicy
	DiscardSamples  bool
}

func (c Config) Validate() error {
	if c.FileSizeBytes < MinFileSize {
		return &ConfigError{fmt.Sprintf("file size %v must be at least %v bytes", c.FileSizeBytes, MinFileSize)}
	}

	if c.SampleCount <= 0 {
		return &ConfigError{fmt.Sprintf("sample count %v must be positive", c.SampleCount)}
	}

	if c.TargetPath == "" {
		return &ConfigError{"missing device path"}
	}

	if c.WorkPath == "" {
		return &ConfigError{"missing workload path"}
	}

	return nil
}

type State int

const (
	NotStarted State = iota
	Generating
	Sampling
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Generating:
		return "generating"
	case Sampling:
		return "sampling"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type Options struct {
	Resolver  alignment.Resolver
	Generator *workload.Generator
	Open      sampler.Opener
	Now       func() time.Time
}

type Runner struct {
	cfg   Config
	opts  *Options
	hooks *sampler.Hooks
	log   zerolog.Logger

	state State
}

func NewRunner(
	cfg Config,
	opts *Options,
	hooks *sampler.Hooks,
	log zerolog.Logger,
) *Runner {
	if opts == nil {
		opts = &Options{}
	}

	if opts.Resolver == nil {
		opts.Resolver = alignment.NewResolver(log)
	}

	if opts.Generator == nil {
		opts.Generator = workload.NewGenerator(log)
	}

	return &Runner{
		cfg:   cfg,
		opts:  opts,
		hooks: hooks,
		log:   log,

		state: NotStarted,
	}
}

func (r *Runner) State() State {
	return r.state
}

// Run generates the workload file and samples it. It may only be called once.
func (r *Runner) Run() (*sampler.Series, error) {
	if r.state != NotStarted {
		return nil, errors.Errorf("runner is already %v", r.state)
	}

	if err := r.cfg.Validate(); err != nil {
		r.state = Failed

		return nil, err
	}

	info := r.opts.Resolver.Resolve(r.cfg.TargetPath)

	blockSize := sampler.BlockSizeFor(r.cfg.BlockSizePolicy, info)
	if int64(blockSize) > r.cfg.FileSizeBytes {
		r.state = Failed

		return nil, &ConfigError{fmt.Sprintf("file size %v is smaller than one block of %v bytes", r.cfg.FileSizeBytes, blockSize)}
	}

	r.log.Info().
		Int("alignment", info.RequiredAlignment).
		Bool("accurate", info.IsAccurate).
		Int("blockSize", blockSize).
		Str("policy", r.cfg.BlockSizePolicy.String()).
		Msg("Using buffer alignment")

	r.state = Generating

	if _, err := r.opts.Generator.Create(r.cfg.WorkPath, r.cfg.FileSizeBytes); err != nil {
		r.discard()

		return nil, &SetupIOError{"generating workload", err}
	}

	buf, err := sampler.NewBuffer(blockSize, info.RequiredAlignment)
	if err != nil {
		r.discard()

		return nil, &SetupIOError{"allocating read buffer", err}
	}
	defer buf.Close()

	s, err := sampler.New(
		buf,
		sampler.Options{
			FileSize:    r.cfg.FileSizeBytes,
			SampleCount: r.cfg.SampleCount,
			Alignment:   info,
			Seed:        r.cfg.Seed,

			DiscardSamples: r.cfg.DiscardSamples,

			Open: r.opts.Open,
			Now:  r.opts.Now,
		},
		r.hooks,
		r.log,
	)
	if err != nil {
		r.discard()

		return nil, &SetupIOError{"preparing sampler", err}
	}

	r.state = Sampling

	series, err := s.Run(r.cfg.WorkPath)
	if err != nil {
		r.state = Failed

		return nil, &SetupIOError{"opening workload", err}
	}

	r.state = Done

	return series, nil
}

func (r *Runner) discard() {
	r.state = Failed

	if err := os.Remove(r.cfg.WorkPath); err != nil && !os.IsNotExist(err) {
		r.log.Error().Err(err).Str("path", r.cfg.WorkPath).Msg("Could not remove workload file")
	}
}
