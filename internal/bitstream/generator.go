package bitstream

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/savid/hwpipe/internal/types"
)

// JPEG markers used by multi-scan pictures.
const (
	MarkerPrefix = 0xFF
	MarkerSOI    = 0xD8
	MarkerEOI    = 0xD9
	MarkerSOS    = 0xDA
	MarkerRST0   = 0xD0
	MarkerRST7   = 0xD7
)

// Generator builds synthetic elementary streams and caches them by profile.
type Generator struct {
	cache      map[string][]byte
	cacheMutex sync.RWMutex
}

// NewGenerator creates a new stream generator.
func NewGenerator() *Generator {
	return &Generator{
		cache: make(map[string][]byte),
	}
}

// Generate returns the complete stream for a profile.
func (g *Generator) Generate(profile Profile) ([]byte, error) {
	// Check cache first
	g.cacheMutex.RLock()
	data, exists := g.cache[profile.Name]
	g.cacheMutex.RUnlock()
	if exists {
		return data, nil
	}

	data, err := generateStream(profile)
	if err != nil {
		return nil, fmt.Errorf("failed to generate stream %q: %w", profile.Name, err)
	}

	g.cacheMutex.Lock()
	g.cache[profile.Name] = data
	g.cacheMutex.Unlock()

	return data, nil
}

// Stream returns a reader delivering the profile's stream in chunks of
// chunkSize bytes, pausing delay between chunks to mimic a live source.
func (g *Generator) Stream(profile Profile, chunkSize int, delay time.Duration) (io.ReadCloser, error) {
	data, err := g.Generate(profile)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = 32 << 10
	}
	return &pacedReader{
		reader: bytes.NewReader(data),
		chunk:  chunkSize,
		delay:  delay,
	}, nil
}

func generateStream(p Profile) ([]byte, error) {
	header := p.Header()
	if err := header.Validate(); err != nil {
		return nil, err
	}
	if p.Frames <= 0 {
		return nil, fmt.Errorf("%w: profile %q has no frames", types.ErrInvalidConfig, p.Name)
	}

	out, err := AppendSequenceHeader(nil, header)
	if err != nil {
		return nil, err
	}

	frameDuration := int64(time.Second) / int64(max(p.Framerate, 1))
	for i := 0; i < p.Frames; i++ {
		ph := PictureHeader{
			FrameOrder: uint32(i),
			TimeStamp:  int64(i) * frameDuration,
		}
		if p.GOP <= 1 || i%p.GOP == 0 {
			ph.Flags |= types.FlagKeyframe
		}

		var data []byte
		if p.Codec == types.CodecJPEG {
			data = jpegPicture(uint32(i), p.PictureSize, max(p.Scans, 1), p.RestartMarkers)
		} else {
			data = patternPayload(uint32(i), p.PictureSize)
		}
		out = AppendPicture(out, ph, data)
	}

	return AppendEndOfStream(out), nil
}

// patternPayload fills a picture with a deterministic pattern that never
// contains a start code or a marker prefix.
func patternPayload(order uint32, size int) []byte {
	if size < 8 {
		size = 8
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((uint32(i)*31+order*7)&0x7F) | 0x01
	}
	return data
}

// jpegPicture builds SOI, scans with restart markers, EOI.
func jpegPicture(order uint32, size, scans, restarts int) []byte {
	perScan := size / scans
	if perScan < 16 {
		perScan = 16
	}

	data := []byte{MarkerPrefix, MarkerSOI}
	for s := 0; s < scans; s++ {
		// Scan header: marker, length, component selector
		data = append(data, MarkerPrefix, MarkerSOS, 0x00, 0x08, byte(s), 0x01, 0x00, 0x3F, 0x00, 0x00)

		entropy := patternPayload(order+uint32(s), perScan)
		interval := len(entropy) / (restarts + 1)
		for r := 0; r <= restarts; r++ {
			start := r * interval
			end := start + interval
			if r == restarts {
				end = len(entropy)
			}
			data = append(data, entropy[start:end]...)
			if r < restarts {
				data = append(data, MarkerPrefix, byte(MarkerRST0+r%8))
			}
		}
	}
	return append(data, MarkerPrefix, MarkerEOI)
}

// pacedReader reads data in fixed chunks with an optional pause.
type pacedReader struct {
	reader *bytes.Reader
	chunk  int
	delay  time.Duration
	closed bool
	mu     sync.Mutex
}

func (r *pacedReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, io.EOF
	}
	if len(p) > r.chunk {
		p = p[:r.chunk]
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	return r.reader.Read(p)
}

func (r *pacedReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
