package sampler

import (
	"bufio"
	"encoding/json"
	"io"
	"strconv"

	"github.com/pojntfx/latencybench/pkg/alignment"
)

// WriteSample writes a single latency followed by a newline.
func WriteSample(w io.Writer, sample Sample) error {
	b := strconv.AppendInt(make([]byte, 0, 21), sample.LatencyMicros, 10)

	_, err := w.Write(append(b, '\n'))

	return err
}

// WriteLines writes one latency per line in issuance order.
func WriteLines(w io.Writer, samples []Sample) error {
	bw := bufio.NewWriter(w)
	for _, sample := range samples {
		if err := WriteSample(bw, sample); err != nil {
			return err
		}
	}

	return bw.Flush()
}

type jsonSample struct {
	Offset        int64  `json:"offset"`
	LatencyMicros int64  `json:"latencyMicros"`
	Error         string `json:"error,omitempty"`
}

type jsonSeries struct {
	Alignment alignment.Info `json:"alignment"`
	BlockSize int            `json:"blockSize"`
	Samples   []jsonSample   `json:"samples"`
}

func WriteJSON(w io.Writer, series *Series) error {
	out := jsonSeries{
		Alignment: series.Alignment,
		BlockSize: series.BlockSize,
		Samples:   make([]jsonSample, len(series.Samples)),
	}

	for i, sample := range series.Samples {
		out.Samples[i] = jsonSample{
			Offset:        sample.Offset,
			LatencyMicros: sample.LatencyMicros,
		}

		if sample.Err != nil {
			out.Samples[i].Error = sample.Err.Error()
		}
	}

	return json.NewEncoder(w).Encode(out)
}
