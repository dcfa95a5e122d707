package archive

import (
	"archive/zip"
	"io"
	"sort"

	"emperror.dev/errors"
	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names the method used for file entries of a container.
type Compression string

const (
	CompressionStore   Compression = "store"
	CompressionDeflate Compression = "deflate"
	CompressionZstd    Compression = "zstd"
	CompressionLZ4     Compression = "lz4"
	CompressionBrotli  Compression = "brotli"
)

// Method ids for lz4 and brotli are not assigned by the zip appnote; they
// are only understood by containers written by this package.
const (
	methodLZ4    uint16 = 0x4c34
	methodBrotli uint16 = 0x4252
)

type method struct {
	id           uint16
	compressor   zip.Compressor
	decompressor zip.Decompressor
}

var methods = map[Compression]method{
	CompressionStore: {
		id: zip.Store,
	},
	CompressionDeflate: {
		id: zip.Deflate,
		compressor: func(w io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(w, flate.DefaultCompression)
		},
		decompressor: flate.NewReader,
	},
	CompressionZstd: {
		id:           uint16(zstd.ZipMethodWinZip),
		compressor:   zstd.ZipCompressor(zstd.WithEncoderConcurrency(1)),
		decompressor: zstd.ZipDecompressor(),
	},
	CompressionLZ4: {
		id: methodLZ4,
		compressor: func(w io.Writer) (io.WriteCloser, error) {
			return lz4.NewWriter(w), nil
		},
		decompressor: func(r io.Reader) io.ReadCloser {
			return io.NopCloser(lz4.NewReader(r))
		},
	},
	CompressionBrotli: {
		id: methodBrotli,
		compressor: func(w io.Writer) (io.WriteCloser, error) {
			return brotli.NewWriterLevel(w, brotli.DefaultCompression), nil
		},
		decompressor: func(r io.Reader) io.ReadCloser {
			return io.NopCloser(brotli.NewReader(r))
		},
	},
}

// ParseCompression checks name against the known methods.
func ParseCompression(name string) (Compression, error) {
	c := Compression(name)
	if _, ok := methods[c]; !ok {
		return "", errors.Errorf("unknown compression '%s' please use %v", name, CompressionNames())
	}
	return c, nil
}

// CompressionNames returns the names of all methods, sorted.
func CompressionNames() []string {
	names := make([]string, 0, len(methods))
	for c := range methods {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return names
}

func compressionByID(id uint16) Compression {
	for c, m := range methods {
		if m.id == id {
			return c
		}
	}
	return Compression("unknown")
}

// Codecs are registered per writer and per reader instance.
func registerCompressors(w *zip.Writer) {
	for _, m := range methods {
		if m.compressor != nil {
			w.RegisterCompressor(m.id, m.compressor)
		}
	}
}

func registerDecompressors(r *zip.Reader) {
	for _, m := range methods {
		if m.decompressor != nil {
			r.RegisterDecompressor(m.id, m.decompressor)
		}
	}
}
