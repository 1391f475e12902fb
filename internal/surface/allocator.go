package surface

import (
	"fmt"
	"sync/atomic"

	"github.com/savid/hwpipe/internal/types"
)

// Memory is the backing store of one surface.
type Memory struct {
	Data   []byte
	Pitch  int
	Height int
	Handle uint64
}

// Allocator provides backing memory for internal surfaces.
type Allocator interface {
	Alloc(info types.FrameInfo) (Memory, error)
	Free(mem Memory) error
	Pattern() types.MemoryPattern
}

// NewAllocator returns the allocation strategy for a memory pattern.
func NewAllocator(pattern types.MemoryPattern) (Allocator, error) {
	switch pattern {
	case types.MemorySystem:
		return &systemAllocator{}, nil
	case types.MemoryVideo, types.MemoryOpaque:
		return &videoAllocator{pattern: pattern}, nil
	default:
		return nil, fmt.Errorf("%w: memory pattern %q", types.ErrInvalidConfig, pattern)
	}
}

func align(v, a int) int {
	return (v + a - 1) / a * a
}

// geometry returns pitch and aligned height for a picture.
func geometry(info types.FrameInfo, pitchAlign int) (int, int) {
	pitch := align(info.Width*info.Format.LumaBytesPerPixel(), pitchAlign)
	heightAlign := 16
	if info.PicStruct.IsInterlaced() {
		heightAlign = 32
	}
	return pitch, align(info.Height, heightAlign)
}

// systemAllocator places surfaces in host memory.
type systemAllocator struct{}

func (a *systemAllocator) Alloc(info types.FrameInfo) (Memory, error) {
	if info.Width <= 0 || info.Height <= 0 || !info.Format.Valid() {
		return Memory{}, fmt.Errorf("%w: cannot allocate %s", types.ErrInvalidConfig, info)
	}
	pitch, height := geometry(info, 32)
	data, err := allocHost(info.Format.FrameSize(pitch, height))
	if err != nil {
		return Memory{}, fmt.Errorf("%w: %v", types.ErrResourceExhausted, err)
	}
	return Memory{Data: data, Pitch: pitch, Height: height}, nil
}

func (a *systemAllocator) Free(mem Memory) error {
	if mem.Data == nil {
		return nil
	}
	return freeHost(mem.Data)
}

func (a *systemAllocator) Pattern() types.MemoryPattern {
	return types.MemorySystem
}

var deviceHandles atomic.Uint64

// videoAllocator models device memory: wider pitch alignment and a device handle per allocation.
type videoAllocator struct {
	pattern types.MemoryPattern
}

func (a *videoAllocator) Alloc(info types.FrameInfo) (Memory, error) {
	if info.Width <= 0 || info.Height <= 0 || !info.Format.Valid() {
		return Memory{}, fmt.Errorf("%w: cannot allocate %s", types.ErrInvalidConfig, info)
	}
	pitch, height := geometry(info, 64)
	return Memory{
		Data:   make([]byte, info.Format.FrameSize(pitch, height)),
		Pitch:  pitch,
		Height: height,
		Handle: deviceHandles.Add(1),
	}, nil
}

func (a *videoAllocator) Free(Memory) error {
	return nil
}

func (a *videoAllocator) Pattern() types.MemoryPattern {
	return a.pattern
}
