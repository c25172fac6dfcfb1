package sampler

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/pojntfx/latencybench/pkg/alignment"
)

// FixedBlockSize is the historical read size, independent of the device.
const FixedBlockSize = 4096

type BlockSizePolicy int

const (
	// BlockSizeScaled reads max(FixedBlockSize, RequiredAlignment) bytes per sample.
	BlockSizeScaled BlockSizePolicy = iota
	// BlockSizeFixed always reads FixedBlockSize bytes, even when the device
	// requires a larger alignment.
	BlockSizeFixed
)

func (p BlockSizePolicy) String() string {
	switch p {
	case BlockSizeScaled:
		return "scaled"
	case BlockSizeFixed:
		return "fixed"
	default:
		return "unknown"
	}
}

func ParseBlockSizePolicy(s string) (BlockSizePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "scaled":
		return BlockSizeScaled, nil
	case "fixed":
		return BlockSizeFixed, nil
	default:
		return 0, errors.Errorf("unknown block size policy %q", s)
	}
}

func BlockSizeFor(policy BlockSizePolicy, info alignment.Info) int {
	if policy == BlockSizeFixed || info.RequiredAlignment <= FixedBlockSize {
		return FixedBlockSize
	}

	return info.RequiredAlignment
}
