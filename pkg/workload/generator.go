package workload

import (
	"crypto/rand"
	"io"
	"os"
	"runtime"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// DefaultPath is created in the current working directory.
	DefaultPath = "latencybench.data.bin"

	ChunkSize = 1024 * 1024

	// MaxStalledAttempts bounds consecutive zero-progress reads or writes.
	MaxStalledAttempts = 8
)

var ErrStalled = errors.New("no progress after repeated attempts")

type Generator struct {
	// EntropyPath is the randomness device to read from; if empty, the
	// operating system's CSPRNG is used through crypto/rand.
	EntropyPath string

	log zerolog.Logger
}

func NewGenerator(log zerolog.Logger) *Generator {
	entropyPath := "/dev/urandom"
	if runtime.GOOS == "windows" {
		entropyPath = ""
	}

	return &Generator{
		EntropyPath: entropyPath,

		log: log,
	}
}

// Create truncates path and fills it with size random bytes. All handles are
// closed before it returns.
func (g *Generator) Create(path string, size int64) (int64, error) {
	var src io.Reader = rand.Reader
	if g.EntropyPath != "" {
		entropy, err := os.Open(g.EntropyPath)
		if err != nil {
			return 0, errors.Wrap(err, "could not open entropy source")
		}
		defer entropy.Close()

		src = entropy
	}

	g.log.Info().
		Str("path", path).
		Int64("size", size).
		Msg("Writing random data")

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return 0, errors.Wrap(err, "could not create workload file")
	}

	wrote, err := Fill(dst, src, size)
	if err != nil {
		_ = dst.Close()

		return wrote, err
	}

	if err := dst.Sync(); err != nil {
		_ = dst.Close()

		return wrote, errors.Wrap(err, "could not sync workload file")
	}

	if err := dropCache(dst, size); err != nil {
		g.log.Debug().Err(err).Msg("Could not drop cached pages of workload file")
	}

	if err := dst.Close(); err != nil {
		return wrote, errors.Wrap(err, "could not close workload file")
	}

	g.log.Info().
		Str("path", path).
		Int64("bytes", wrote).
		Msg("Wrote random data")

	return wrote, nil
}

// Fill copies exactly size bytes from src to dst in ChunkSize pieces. Short
// reads and short writes are retried until MaxStalledAttempts calls in a row
// make no progress.
func Fill(dst io.Writer, src io.Reader, size int64) (int64, error) {
	chunk := make([]byte, ChunkSize)

	wrote := int64(0)
	stalled := 0
	for wrote < size {
		want := int64(len(chunk))
		if remaining := size - wrote; remaining < want {
			want = remaining
		}

		got, err := src.Read(chunk[:want])
		if got == 0 {
			if err != nil {
				return wrote, errors.Wrap(err, "could not read from entropy source")
			}

			stalled++
			if stalled >= MaxStalledAttempts {
				return wrote, errors.Wrap(ErrStalled, "could not read from entropy source")
			}

			continue
		}
		stalled = 0

		n, err := writeFull(dst, chunk[:got])
		wrote += int64(n)
		if err != nil {
			return wrote, err
		}
	}

	return wrote, nil
}

func writeFull(dst io.Writer, p []byte) (int, error) {
	written := 0
	stalled := 0
	for written < len(p) {
		n, err := dst.Write(p[written:])
		written += n

		if err != nil && !errors.Is(err, io.ErrShortWrite) {
			return written, errors.Wrap(err, "could not write to workload file")
		}

		if n > 0 {
			stalled = 0

			continue
		}

		stalled++
		if stalled >= MaxStalledAttempts {
			return written, errors.Wrapf(ErrStalled, "wrote %v of %v bytes", written, len(p))
		}
	}

	return written, nil
}
