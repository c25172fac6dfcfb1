package sampler

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/pojntfx/latencybench/pkg/alignment"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFileSize = 1024 * 1024

// tmpfs and friends reject O_DIRECT, so tests read through the page cache
func openPlain(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	return f, nil
}

func writeWorkload(t *testing.T, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	p := filepath.Join(t.TempDir(), "latencybench.data.bin")
	require.NoError(t, os.WriteFile(p, data, 0644))

	return p, data
}

func newTestSampler(t *testing.T, opts Options, hooks *Hooks) *Sampler {
	t.Helper()

	if opts.FileSize == 0 {
		opts.FileSize = testFileSize
	}

	if opts.Alignment.RequiredAlignment == 0 {
		opts.Alignment = alignment.Info{RequiredAlignment: 4096, IsAccurate: true}
	}

	if opts.Open == nil {
		opts.Open = openPlain
	}

	buf, err := NewBuffer(BlockSizeFor(BlockSizeScaled, opts.Alignment), opts.Alignment.RequiredAlignment)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = buf.Close()
	})

	s, err := New(buf, opts, hooks, zerolog.Nop())
	require.NoError(t, err)

	return s
}

func TestRunProducesOneSamplePerIteration(t *testing.T) {
	p, _ := writeWorkload(t, testFileSize)

	s := newTestSampler(t, Options{SampleCount: 10, Seed: 1}, nil)

	series, err := s.Run(p)
	require.NoError(t, err)

	require.Len(t, series.Samples, 10)
	assert.Equal(t, 4096, series.BlockSize)
	assert.Zero(t, series.Failed())

	for _, sample := range series.Samples {
		assert.NoError(t, sample.Err)
		assert.GreaterOrEqual(t, sample.LatencyMicros, int64(0))
		assert.GreaterOrEqual(t, sample.Offset, int64(0))
		assert.Less(t, sample.Offset, int64(testFileSize))
		assert.Zero(t, sample.Offset%4096)
	}

	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err), "workload file should be removed")
}

func TestRunHonoursLargeAlignment(t *testing.T) {
	p, _ := writeWorkload(t, testFileSize)

	s := newTestSampler(t, Options{
		SampleCount: 64,
		Alignment:   alignment.Info{RequiredAlignment: 65536, IsAccurate: true},
	}, nil)

	series, err := s.Run(p)
	require.NoError(t, err)

	require.Len(t, series.Samples, 64)
	assert.Equal(t, 65536, series.BlockSize)

	for _, sample := range series.Samples {
		assert.NoError(t, sample.Err)
		assert.Zero(t, sample.Offset%65536)
		assert.LessOrEqual(t, sample.Offset+65536, int64(testFileSize))
	}
}

func TestRunCompletesWithInaccurateAlignment(t *testing.T) {
	p, _ := writeWorkload(t, testFileSize)

	var logs bytes.Buffer
	buf, err := NewBuffer(4096, 4096)
	require.NoError(t, err)
	defer buf.Close()

	s, err := New(buf, Options{
		FileSize:    testFileSize,
		SampleCount: 5,
		Alignment:   alignment.Info{RequiredAlignment: 4096, IsAccurate: false},
		Open:        openPlain,
	}, nil, zerolog.New(&logs))
	require.NoError(t, err)

	series, err := s.Run(p)
	require.NoError(t, err)

	assert.Len(t, series.Samples, 5)
	assert.Contains(t, logs.String(), "inaccurate")
}

func TestRunUsesClockAroundSeekAndRead(t *testing.T) {
	p, _ := writeWorkload(t, testFileSize)

	now := time.Unix(1700000000, 999_999_000)
	clock := func() time.Time {
		now = now.Add(1500 * time.Microsecond)

		return now
	}

	s := newTestSampler(t, Options{SampleCount: 3, Now: clock}, nil)

	series, err := s.Run(p)
	require.NoError(t, err)

	assert.Equal(t, []int64{1500, 1500, 1500}, series.Latencies())
}

type mismatchFile struct {
	File

	calls  int
	failAt int
}

func (f *mismatchFile) Seek(offset int64, whence int) (int64, error) {
	pos, err := f.File.Seek(offset, whence)

	f.calls++
	if f.calls == f.failAt {
		return pos + 1, err
	}

	return pos, err
}

func TestRunSurvivesSeekMismatch(t *testing.T) {
	p, _ := writeWorkload(t, testFileSize)

	s := newTestSampler(t, Options{
		SampleCount: 10,
		Open:        func(path string) (File, error) {
			f, err := openPlain(path)
			if err != nil {
				return nil, err
			}

			return &mismatchFile{File: f, failAt: 4}, nil
		},
	}, nil)

	series, err := s.Run(p)
	require.NoError(t, err)

	require.Len(t, series.Samples, 10)
	assert.Equal(t, 1, series.Failed())
	assert.True(t, errors.Is(series.Samples[3].Err, ErrSeekMismatch))
	assert.GreaterOrEqual(t, series.Samples[3].LatencyMicros, int64(0))
}

type shortReadFile struct {
	File
}

func (f *shortReadFile) Read(p []byte) (int, error) {
	if len(p) > 512 {
		p = p[:512]
	}

	return f.File.Read(p)
}

func TestRunAssemblesPartialReads(t *testing.T) {
	p, data := writeWorkload(t, testFileSize)

	var last Sample
	s := newTestSampler(t, Options{
		SampleCount: 8,
		Open:        func(path string) (File, error) {
			f, err := openPlain(path)
			if err != nil {
				return nil, err
			}

			return &shortReadFile{f}, nil
		},
	}, &Hooks{
		OnSample: func(i int, sample Sample) error {
			last = sample

			return nil
		},
	})

	series, err := s.Run(p)
	require.NoError(t, err)

	assert.Zero(t, series.Failed())
	assert.Equal(t, data[last.Offset:last.Offset+4096], s.buf.Bytes())
}

type failingFile struct {
	reads int
	err   error
}

func (f *failingFile) Read(p []byte) (int, error) {
	f.reads++

	return 0, f.err
}

func (f *failingFile) Seek(offset int64, whence int) (int64, error) {
	return offset, nil
}

func (f *failingFile) Close() error {
	return nil
}

func TestRunBoundsReadRetries(t *testing.T) {
	p, _ := writeWorkload(t, testFileSize)

	f := &failingFile{err: errors.New("input/output error")}
	s := newTestSampler(t, Options{
		SampleCount: 4,
		Open:        func(path string) (File, error) {
			return f, nil
		},
	}, nil)

	series, err := s.Run(p)
	require.NoError(t, err)

	require.Len(t, series.Samples, 4)
	assert.Equal(t, 4, series.Failed())
	assert.Equal(t, 4*MaxReadAttempts, f.reads)
}

func TestRunStopsOnEOF(t *testing.T) {
	p, _ := writeWorkload(t, testFileSize)

	f := &failingFile{err: io.EOF}
	s := newTestSampler(t, Options{
		SampleCount: 3,
		Open:        func(path string) (File, error) {
			return f, nil
		},
	}, nil)

	series, err := s.Run(p)
	require.NoError(t, err)

	require.Len(t, series.Samples, 3)
	assert.Equal(t, 3, f.reads)
	for _, sample := range series.Samples {
		assert.True(t, errors.Is(sample.Err, io.ErrUnexpectedEOF))
	}
}

func TestRunOpenFailureIsFatal(t *testing.T) {
	p, _ := writeWorkload(t, testFileSize)

	called := false
	s := newTestSampler(t, Options{
		SampleCount: 10,
		Open:        func(path string) (File, error) {
			return nil, os.ErrPermission
		},
	}, &Hooks{
		OnSample: func(i int, sample Sample) error {
			called = true

			return nil
		},
	})

	series, err := s.Run(p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrPermission))
	assert.Nil(t, series)
	assert.False(t, called)

	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))
}

func TestOnSampleHookSeesIssuanceOrder(t *testing.T) {
	p, _ := writeWorkload(t, testFileSize)

	var seen []int
	var offsets []int64
	s := newTestSampler(t, Options{SampleCount: 16, Seed: 7}, &Hooks{
		OnSample: func(i int, sample Sample) error {
			seen = append(seen, i)
			offsets = append(offsets, sample.Offset)

			return errors.New("hook errors are not fatal")
		},
	})

	series, err := s.Run(p)
	require.NoError(t, err)

	require.Len(t, seen, 16)
	for i, idx := range seen {
		assert.Equal(t, i, idx)
		assert.Equal(t, series.Samples[i].Offset, offsets[i])
	}
}

type flakyFile struct {
	File

	failures int
}

func (f *flakyFile) Read(p []byte) (int, error) {
	if f.failures > 0 {
		f.failures--

		return 0, errors.New("transient EIO")
	}

	return f.File.Read(p)
}

func TestRunLogsRecoveredReadFailures(t *testing.T) {
	p, _ := writeWorkload(t, testFileSize)

	var logs bytes.Buffer
	buf, err := NewBuffer(4096, 4096)
	require.NoError(t, err)
	defer buf.Close()

	s, err := New(buf, Options{
		FileSize:    testFileSize,
		SampleCount: 3,
		Alignment:   alignment.Info{RequiredAlignment: 4096, IsAccurate: true},
		Open:        func(path string) (File, error) {
			f, err := openPlain(path)
			if err != nil {
				return nil, err
			}

			return &flakyFile{File: f, failures: 1}, nil
		},
	}, nil, zerolog.New(&logs))
	require.NoError(t, err)

	series, err := s.Run(p)
	require.NoError(t, err)

	assert.Zero(t, series.Failed())
	assert.NoError(t, series.Samples[0].Err)
	assert.Contains(t, logs.String(), "transient EIO")
	assert.Contains(t, logs.String(), "Read call failed")
}

type stutteringReader struct {
	calls int
}

// Fails MaxReadAttempts-1 times in a row before every successful 512 byte read
func (r *stutteringReader) Read(p []byte) (int, error) {
	r.calls++
	if r.calls%MaxReadAttempts != 0 {
		return 0, errors.New("device busy")
	}

	if len(p) > 512 {
		p = p[:512]
	}

	return len(p), nil
}

func TestReadBlockResetsFailuresOnProgress(t *testing.T) {
	r := &stutteringReader{}

	failed, err := readBlock(r, make([]byte, 4096))
	require.NoError(t, err)

	assert.Len(t, failed, 8*(MaxReadAttempts-1))
	assert.Equal(t, 8*MaxReadAttempts, r.calls)
}

func TestRunCanDiscardSamples(t *testing.T) {
	p, _ := writeWorkload(t, testFileSize)

	delivered := 0
	s := newTestSampler(t, Options{SampleCount: 12, DiscardSamples: true}, &Hooks{
		OnSample: func(i int, sample Sample) error {
			delivered++

			return nil
		},
	})

	series, err := s.Run(p)
	require.NoError(t, err)

	assert.Empty(t, series.Samples)
	assert.Equal(t, 12, series.Count)
	assert.Equal(t, 12, delivered)
}

func TestOpenDirectReadsAlignedBlock(t *testing.T) {
	p, data := writeWorkload(t, testFileSize)

	f, err := OpenDirect(p)
	if errors.Is(err, syscall.EINVAL) {
		t.Skip("filesystem does not support direct I/O")
	}
	require.NoError(t, err)
	defer f.Close()

	buf, err := NewBuffer(4096, 4096)
	require.NoError(t, err)
	defer buf.Close()

	_, err = f.Seek(8192, io.SeekStart)
	require.NoError(t, err)

	_, err = readBlock(f, buf.Bytes())
	if errors.Is(err, syscall.EINVAL) {
		t.Skip("filesystem rejects direct reads")
	}
	require.NoError(t, err)

	assert.Equal(t, data[8192:8192+4096], buf.Bytes())
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	buf, err := NewBuffer(4096, 4096)
	require.NoError(t, err)
	defer buf.Close()

	accurate := alignment.Info{RequiredAlignment: 4096, IsAccurate: true}

	for name, opts := range map[string]Options{
		"no samples":    {FileSize: testFileSize, Alignment: accurate},
		"bad alignment": {FileSize: testFileSize, SampleCount: 1, Alignment: alignment.Info{RequiredAlignment: 1000}},
		"tiny file":     {FileSize: 1024, SampleCount: 1, Alignment: accurate},
	} {
		_, err := New(buf, opts, nil, zerolog.Nop())
		assert.True(t, errors.Is(err, ErrInvalidRun), name)
	}

	_, err = New(nil, Options{FileSize: testFileSize, SampleCount: 1, Alignment: accurate}, nil, zerolog.Nop())
	assert.True(t, errors.Is(err, ErrInvalidRun))
}

func TestAlignedOffset(t *testing.T) {
	tests := []struct {
		name                        string
		raw, fileSize, block, align int64
		want                        int64
	}{
		{"already aligned", 8192, 1 << 20, 4096, 4096, 8192},
		{"rounds down", 8191, 1 << 20, 4096, 4096, 4096},
		{"first block", 17, 1 << 20, 4096, 4096, 0},
		{"last block", (1 << 20) - 1, 1 << 20, 4096, 4096, (1 << 20) - 4096},
		{"unaligned file tail", 10000, 10000, 4096, 4096, 4096},
		{"block larger than alignment", 12000, 16384, 8192, 4096, 8192},
		{"block smaller than alignment", 16383, 16384, 4096, 8192, 8192},
		{"file smaller than block", 100, 1000, 4096, 4096, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AlignedOffset(tt.raw, tt.fileSize, tt.block, tt.align)

			assert.Equal(t, tt.want, got)
			assert.Zero(t, got%tt.align)
		})
	}
}

func TestReadBlockCountsZeroProgress(t *testing.T) {
	_, err := readBlock(zeroReader{}, make([]byte, 4096))

	assert.True(t, errors.Is(err, io.ErrNoProgress))
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	return 0, nil
}
