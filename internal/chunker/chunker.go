// Package chunker implements the rolling-hash content-defined chunker used
// to split a file into the variable-size chunks of a dynamic index
// (spec.md §4.3). Cut points depend only on a sliding window of recently
// seen bytes, so unchanged regions of a file re-chunk identically
// regardless of what preceded them.
package chunker

import "github.com/kch42/buzhash"

const (
	// TargetSize is the average chunk size the chunker aims for.
	TargetSize = 4 * 1024 * 1024

	minChunkSize = TargetSize / 4
	maxChunkSize = TargetSize * 4
	windowSize   = 48

	// breakMask selects roughly 1-in-TargetSize rolling-hash values as cut
	// points; TargetSize is a power of two so this is just "low bits clear".
	breakMask = uint32(TargetSize - 1)

	// hashSeed is fixed so that two processes (or the same process across
	// restarts) chunk identical input identically - required by
	// spec.md §8 property 6 (index determinism).
	hashSeed = 0x5a17c0de
)

var hashTable = buzhash.GenerateHashTable(hashSeed)

// Chunker is a single-use, streaming content-defined chunker: feed it
// bytes via Scan, and it reports where each chunk boundary falls.
type Chunker struct {
	bh     *buzhash.BuzHash
	window []byte
	pos    int
}

// New returns a chunker ready to scan a fresh byte stream.
func New() *Chunker {
	return &Chunker{
		bh:     buzhash.NewBuzHash(hashTable),
		window: make([]byte, 0, windowSize),
	}
}

// Scan consumes data looking for the next chunk boundary. It returns:
//   - 0 if no boundary was found; the caller should buffer data and call
//     Scan again with more input.
//   - an offset in (0, len(data)] marking the end of the current chunk;
//     bytes data[offset:] belong to the next chunk and must be re-scanned.
//
// After returning a boundary, the chunker resets and is ready to scan the
// next chunk.
func (c *Chunker) Scan(data []byte) int {
	for i, b := range data {
		c.bh.Write([]byte{b})
		if len(c.window) == windowSize {
			c.bh.Free(c.window[0])
			c.window = c.window[1:]
		}
		c.window = append(c.window, b)
		c.pos++

		if c.pos < minChunkSize {
			continue
		}
		if c.pos >= maxChunkSize || c.bh.Sum32()&breakMask == 0 {
			c.reset()
			return i + 1
		}
	}
	return 0
}

func (c *Chunker) reset() {
	c.pos = 0
	c.window = c.window[:0]
	c.bh.Reset()
}
