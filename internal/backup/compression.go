package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType names a compression algorithm
type CompressionType string

const (
	CompressionTypeNone CompressionType = "none"
	CompressionTypeGzip CompressionType = "gzip"
	CompressionTypeLZ4  CompressionType = "lz4"
	CompressionTypeZstd CompressionType = "zstd"
)

// Extension returns the file extension appended to compressed artifacts
func (c CompressionType) Extension() string {
	switch c {
	case CompressionTypeGzip:
		return ".gz"
	case CompressionTypeLZ4:
		return ".lz4"
	case CompressionTypeZstd:
		return ".zst"
	default:
		return ""
	}
}

// ParseCompressionType parses an algorithm name; the empty string is none
func ParseCompressionType(s string) (CompressionType, error) {
	switch CompressionType(strings.ToLower(strings.TrimSpace(s))) {
	case "", CompressionTypeNone:
		return CompressionTypeNone, nil
	case CompressionTypeGzip:
		return CompressionTypeGzip, nil
	case CompressionTypeLZ4:
		return CompressionTypeLZ4, nil
	case CompressionTypeZstd:
		return CompressionTypeZstd, nil
	default:
		return CompressionTypeNone, NewValidationError(fmt.Sprintf("unsupported compression algorithm: %s", s), nil)
	}
}

// DetectCompression infers the algorithm from a file extension
func DetectCompression(path string) CompressionType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		return CompressionTypeGzip
	case ".lz4":
		return CompressionTypeLZ4
	case ".zst", ".zstd":
		return CompressionTypeZstd
	default:
		return CompressionTypeNone
	}
}

// StripCompressionExtension removes the extension added by compression
func StripCompressionExtension(path string) string {
	if DetectCompression(path) == CompressionTypeNone {
		return path
	}
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// CompressionStats contains statistics about compression operations
type CompressionStats struct {
	OriginalSize     int64           `json:"original_size"`
	CompressedSize   int64           `json:"compressed_size"`
	CompressionRatio float64         `json:"compression_ratio"`
	Algorithm        CompressionType `json:"algorithm"`
	Level            int             `json:"level"`
	Duration         time.Duration   `json:"duration"`
}

// Compressor wraps streams for one algorithm
type Compressor interface {
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
	Algorithm() CompressionType
	DefaultLevel() int
	MinLevel() int
	MaxLevel() int
}

// CompressionManager compresses and decompresses artifact files
type CompressionManager struct {
	compressors map[CompressionType]Compressor
}

// NewCompressionManager creates a manager with gzip, lz4 and zstd registered
func NewCompressionManager() *CompressionManager {
	return &CompressionManager{
		compressors: map[CompressionType]Compressor{
			CompressionTypeGzip: gzipCompressor{},
			CompressionTypeLZ4:  lz4Compressor{},
			CompressionTypeZstd: zstdCompressor{},
		},
	}
}

// GetCompressor returns the compressor for algorithm
func (cm *CompressionManager) GetCompressor(algorithm CompressionType) (Compressor, error) {
	c, ok := cm.compressors[algorithm]
	if !ok {
		return nil, NewCompressionError(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
	}
	return c, nil
}

// CompressFile writes src compressed with algorithm to dst. Out-of-range
// levels fall back to the algorithm default.
func (cm *CompressionManager) CompressFile(src, dst string, algorithm CompressionType, level int) (*CompressionStats, error) {
	c, err := cm.GetCompressor(algorithm)
	if err != nil {
		return nil, err
	}
	if level < c.MinLevel() || level > c.MaxLevel() {
		level = c.DefaultLevel()
	}

	start := time.Now()
	in, err := os.Open(src)
	if err != nil {
		return nil, NewCompressionError("failed to open artifact", err).WithContext("path", src)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return nil, NewCompressionError("failed to create compressed artifact", err).WithContext("path", dst)
	}

	counter := &countingWriter{w: out}
	w, err := c.NewWriter(counter, level)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return nil, NewCompressionError(fmt.Sprintf("failed to create %s writer", algorithm), err)
	}

	read, err := io.Copy(w, in)
	if err == nil {
		err = w.Close()
	} else {
		w.Close()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		return nil, NewCompressionError(fmt.Sprintf("failed to compress %s", src), err)
	}

	return &CompressionStats{
		OriginalSize:     read,
		CompressedSize:   counter.n,
		CompressionRatio: CalculateCompressionRatio(read, counter.n),
		Algorithm:        algorithm,
		Level:            level,
		Duration:         time.Since(start),
	}, nil
}

// DecompressFile writes src decompressed with algorithm to dst
func (cm *CompressionManager) DecompressFile(src, dst string, algorithm CompressionType) error {
	c, err := cm.GetCompressor(algorithm)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return NewCompressionError("failed to open compressed artifact", err).WithContext("path", src)
	}
	defer in.Close()

	r, err := c.NewReader(in)
	if err != nil {
		return NewCompressionError(fmt.Sprintf("failed to create %s reader", algorithm), err).WithContext("path", src)
	}
	defer r.Close()

	out, err := os.Create(dst)
	if err != nil {
		return NewCompressionError("failed to create artifact", err).WithContext("path", dst)
	}
	_, err = io.Copy(out, r)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		return NewCompressionError(fmt.Sprintf("failed to decompress %s", src), err)
	}
	return nil
}

// SupportedAlgorithms lists the registered algorithms
func (cm *CompressionManager) SupportedAlgorithms() []CompressionType {
	algorithms := make([]CompressionType, 0, len(cm.compressors))
	for algorithm := range cm.compressors {
		algorithms = append(algorithms, algorithm)
	}
	return algorithms
}

// CalculateCompressionRatio calculates the compression ratio
func CalculateCompressionRatio(originalSize, compressedSize int64) float64 {
	if originalSize == 0 {
		return 1.0
	}
	return float64(compressedSize) / float64(originalSize)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type gzipCompressor struct{}

func (gzipCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, level)
}

func (gzipCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

func (gzipCompressor) Algorithm() CompressionType { return CompressionTypeGzip }
func (gzipCompressor) DefaultLevel() int          { return gzip.DefaultCompression }
func (gzipCompressor) MinLevel() int              { return gzip.BestSpeed }
func (gzipCompressor) MaxLevel() int              { return gzip.BestCompression }

type lz4Compressor struct{}

// LZ4 only distinguishes fast and high compression
func (lz4Compressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	writer := lz4.NewWriter(w)
	if level > 6 {
		if err := writer.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, err
		}
	}
	return writer, nil
}

func (lz4Compressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

func (lz4Compressor) Algorithm() CompressionType { return CompressionTypeLZ4 }
func (lz4Compressor) DefaultLevel() int          { return 1 }
func (lz4Compressor) MinLevel() int              { return 1 }
func (lz4Compressor) MaxLevel() int              { return 12 }

type zstdCompressor struct{}

func (zstdCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	encoderLevel := zstd.SpeedFastest
	switch {
	case level <= 1:
		encoderLevel = zstd.SpeedFastest
	case level <= 3:
		encoderLevel = zstd.SpeedDefault
	case level <= 6:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedBestCompression
	}
	return zstd.NewWriter(w, zstd.WithEncoderLevel(encoderLevel))
}

func (zstdCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return decoder.IOReadCloser(), nil
}

func (zstdCompressor) Algorithm() CompressionType { return CompressionTypeZstd }
func (zstdCompressor) DefaultLevel() int          { return 3 }
func (zstdCompressor) MinLevel() int              { return 1 }
func (zstdCompressor) MaxLevel() int              { return 22 }
