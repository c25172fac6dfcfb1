package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/pojntfx/latencybench/pkg/bench"
	"github.com/pojntfx/latencybench/pkg/sampler"
	"github.com/pojntfx/latencybench/pkg/workload"
	"github.com/rs/zerolog"
)

// runnerOptions supplies the runner's collaborators; nil selects the platform defaults.
var runnerOptions = func() *bench.Options {
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(flags *flag.FlagSet, workPath string) {
	w := flags.Output()

	fmt.Fprintf(w, "usage: latencybench [flags] fsize nops devpath\n")
	fmt.Fprintf(w, "\nfsize must be in MB\n")
	fmt.Fprintf(w, "\nlatencybench will issue random block-sized direct reads and output latency measurements in microseconds to stdout.\n")
	fmt.Fprintf(w, "latencybench will create a temporary file named %v in the current directory.\n", workPath)
	fmt.Fprintf(w, "devpath is only used to discover the required buffer alignment.\n")
	fmt.Fprintf(w, "Measurements will only be accurate on Linux.\n\nflags:\n")

	flags.PrintDefaults()
}

func parseArgs(args []string) (int64, int, string, error) {
	if len(args) != 3 {
		return 0, 0, "", &bench.ConfigError{Reason: fmt.Sprintf("expected 3 arguments, got %v", len(args))}
	}

	sizeMB, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || sizeMB <= 0 {
		return 0, 0, "", &bench.ConfigError{Reason: fmt.Sprintf("fsize %q must be a positive number of MB", args[0])}
	}

	if sizeMB > (1<<63-1)/(1024*1024) {
		return 0, 0, "", &bench.ConfigError{Reason: fmt.Sprintf("fsize %q is too large", args[0])}
	}

	nops, err := strconv.Atoi(args[1])
	if err != nil || nops <= 0 {
		return 0, 0, "", &bench.ConfigError{Reason: fmt.Sprintf("nops %q must be a positive number", args[1])}
	}

	if args[2] == "" {
		return 0, 0, "", &bench.ConfigError{Reason: "devpath must not be empty"}
	}

	return sizeMB * 1024 * 1024, nops, args[2], nil
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("latencybench", flag.ContinueOnError)
	flags.SetOutput(stderr)

	workPath := flags.String("workpath", workload.DefaultPath, "Workload file to create, sample and remove")
	seed := flags.Int64("seed", 0, "Seed for the offset generator; 0 picks a time-based seed")
	block := flags.String("block", sampler.BlockSizeScaled.String(), "Read size per sample; scaled reads one alignment unit (at least 4096 bytes), fixed always reads 4096 bytes")
	format := flags.String("format", "lines", "Output format; lines prints one latency per line, json prints the full series")
	stream := flags.Bool("stream", false, "Print each latency as soon as it is measured (lines format only)")
	verbose := flags.Bool("verbose", false, "Enable debug output")

	flags.Usage = func() {
		usage(flags, *workPath)
	}

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return bench.ExitOK
		}

		return bench.ExitConfig
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()

	fileSize, nops, devPath, err := parseArgs(flags.Args())
	if err != nil {
		fmt.Fprintf(stderr, "%v\n\n", err)
		flags.Usage()

		return bench.ExitCode(err)
	}

	policy, err := sampler.ParseBlockSizePolicy(*block)
	if err != nil {
		err = &bench.ConfigError{Reason: err.Error()}
		fmt.Fprintf(stderr, "%v\n\n", err)
		flags.Usage()

		return bench.ExitCode(err)
	}

	if *format != "lines" && *format != "json" {
		err := &bench.ConfigError{Reason: fmt.Sprintf("unknown output format %q", *format)}
		fmt.Fprintf(stderr, "%v\n\n", err)
		flags.Usage()

		return bench.ExitCode(err)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	log.Debug().Int64("seed", *seed).Msg("Seeded offset generator")

	out := bufio.NewWriter(stdout)
	defer out.Flush()

	var hooks *sampler.Hooks
	if *stream {
		if *format == "lines" {
			hooks = &sampler.Hooks{
				OnSample: func(i int, sample sampler.Sample) error {
					if err := sampler.WriteSample(out, sample); err != nil {
						return err
					}

					return out.Flush()
				},
			}
		} else {
			log.Warn().Msg("Streaming is only supported for the lines format, ignoring")
		}
	}

	runner := bench.NewRunner(
		bench.Config{
			FileSizeBytes: fileSize,
			SampleCount:   nops,
			TargetPath:    devPath,

			WorkPath:        *workPath,
			Seed:            *seed,
			BlockSizePolicy: policy,
			DiscardSamples:  hooks != nil,
		},
		runnerOptions(),
		hooks,
		log,
	)

	series, err := runner.Run()
	if err != nil {
		log.Error().Err(err).Str("state", runner.State().String()).Msg("Benchmark failed")

		if bench.ExitCode(err) == bench.ExitConfig {
			flags.Usage()
		}

		return bench.ExitCode(err)
	}

	switch {
	case *format == "json":
		err = sampler.WriteJSON(out, series)
	case hooks == nil:
		err = sampler.WriteLines(out, series.Samples)
	}

	if err == nil {
		err = out.Flush()
	}

	if err != nil {
		log.Error().Err(err).Msg("Could not write latencies")

		return 1
	}

	return bench.ExitOK
}
