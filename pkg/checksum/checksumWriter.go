package checksum

import (
	"encoding/hex"
	"hash"
	"io"
	"sync"

	"emperror.dev/errors"
)

// ChecksumWriter passes everything written to it on to an optional
// destination and feeds the same bytes into one hash per algorithm.
type ChecksumWriter struct {
	sync.Mutex
	dst    io.Writer
	hashes map[DigestAlgorithm]hash.Hash
	closed bool
}

func NewChecksumWriter(checksums []DigestAlgorithm, dst ...io.Writer) (*ChecksumWriter, error) {
	c := &ChecksumWriter{
		hashes: map[DigestAlgorithm]hash.Hash{},
	}
	switch len(dst) {
	case 0:
	case 1:
		c.dst = dst[0]
	default:
		c.dst = io.MultiWriter(dst...)
	}
	for _, alg := range checksums {
		sink, err := GetHash(alg)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot create hash %s", alg)
		}
		c.hashes[alg] = sink
	}
	return c, nil
}

func (c *ChecksumWriter) Write(p []byte) (int, error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return 0, errors.New("checksum writer closed")
	}
	if c.dst != nil {
		n, err := c.dst.Write(p)
		if err != nil {
			return n, errors.Wrap(err, "cannot write to destination")
		}
		p = p[:n]
	}
	for _, sink := range c.hashes {
		// hash.Hash never returns an error
		_, _ = sink.Write(p)
	}
	return len(p), nil
}

// Close finishes the writer. The destination is not closed.
func (c *ChecksumWriter) Close() error {
	c.Lock()
	defer c.Unlock()
	c.closed = true
	return nil
}

// GetChecksums returns the hex encoded digests. It fails before Close.
func (c *ChecksumWriter) GetChecksums() (map[DigestAlgorithm]string, error) {
	c.Lock()
	defer c.Unlock()
	if !c.closed {
		return nil, errors.New("checksum writer not closed")
	}
	result := make(map[DigestAlgorithm]string, len(c.hashes))
	for alg, sink := range c.hashes {
		result[alg] = hex.EncodeToString(sink.Sum(nil))
	}
	return result, nil
}
