package bitstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/surface"
	"github.com/savid/hwpipe/internal/types"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func testProfile() Profile {
	p, _ := GetProfile("qcif h264")
	p.Frames = 5
	return p
}

func TestGeneratedStreamParses(t *testing.T) {
	g := NewGenerator()
	data, err := g.Generate(testProfile())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	var (
		header   SequenceHeader
		pictures []PictureHeader
		eos      bool
	)
	consumed, err := Scan(data, func(u Unit) error {
		switch u.Type {
		case UnitSequenceHeader:
			h, err := ParseSequenceHeader(u.Payload)
			if err != nil {
				return err
			}
			header = h
		case UnitPicture:
			ph, payload, err := ParsePicture(u.Payload)
			if err != nil {
				return err
			}
			if len(payload) != 1<<10 {
				t.Errorf("expected 1024 coded bytes, got %d", len(payload))
			}
			pictures = append(pictures, ph)
		case UnitEndOfStream:
			eos = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if consumed != len(data) {
		t.Errorf("expected to consume %d bytes, consumed %d", len(data), consumed)
	}

	if header.Codec != types.CodecH264 || header.Width != 176 || header.Height != 144 {
		t.Errorf("unexpected header %+v", header)
	}
	if len(pictures) != 5 {
		t.Fatalf("expected 5 pictures, got %d", len(pictures))
	}
	for i, ph := range pictures {
		if ph.FrameOrder != uint32(i) {
			t.Errorf("picture %d has frame order %d", i, ph.FrameOrder)
		}
	}
	if !pictures[0].Flags.Has(types.FlagKeyframe) || pictures[1].Flags.Has(types.FlagKeyframe) {
		t.Errorf("unexpected keyframe flags %v %v", pictures[0].Flags, pictures[1].Flags)
	}
	if !eos {
		t.Error("expected an end-of-stream unit")
	}

	// Cached
	again, _ := g.Generate(testProfile())
	if &again[0] != &data[0] {
		t.Error("expected the cached stream")
	}
}

func TestNextUnitIncompleteAndGarbage(t *testing.T) {
	unit := AppendPicture(nil, PictureHeader{FrameOrder: 9}, []byte{1, 2, 3})

	for cut := 0; cut < len(unit); cut++ {
		if _, _, err := NextUnit(unit[:cut]); !errors.Is(err, types.ErrMoreDataNeeded) {
			t.Fatalf("cut %d: expected ErrMoreDataNeeded, got %v", cut, err)
		}
	}

	garbage := append([]byte{0xAA, 0xBB, 0x00}, unit...)
	_, skip, err := NextUnit(garbage)
	if !errors.Is(err, ErrCorruptUnit) || skip != 3 {
		t.Fatalf("expected to skip 3 garbage bytes, got %d, %v", skip, err)
	}
	u, n, err := NextUnit(garbage[skip:])
	if err != nil || n != len(unit) || u.Type != UnitPicture {
		t.Fatalf("expected the picture after garbage, got %v, %d, %v", u.Type, n, err)
	}
	ph, payload, err := ParsePicture(u.Payload)
	if err != nil || ph.FrameOrder != 9 || !bytes.Equal(payload, []byte{1, 2, 3}) {
		t.Errorf("unexpected picture %+v %v %v", ph, payload, err)
	}

	if _, skip, err := NextUnit([]byte{0x12, 0x34, 0x56, 0x78}); !errors.Is(err, ErrCorruptUnit) || skip < 1 {
		t.Errorf("expected progress on pure garbage, got %d, %v", skip, err)
	}
}

func TestRingWrapAround(t *testing.T) {
	r := NewRing(8)

	buf := make([]byte, 5)
	for round := 0; round < 4; round++ {
		in := []byte{byte(round), 1, 2, 3, 4}
		if n, err := r.Write(in); err != nil || n != 5 {
			t.Fatalf("Write failed: %d, %v", n, err)
		}
		n, err := r.Read(buf)
		if err != nil || n != 5 || !bytes.Equal(buf, in) {
			t.Fatalf("round %d: read %v (%d, %v)", round, buf[:n], n, err)
		}
	}

	r.Close()
	if _, err := r.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after close, got %v", err)
	}
	if _, err := r.Write([]byte{1}); !errors.Is(err, ErrRingClosed) {
		t.Errorf("expected ErrRingClosed, got %v", err)
	}
}

func TestReaderFillsWholeStream(t *testing.T) {
	g := NewGenerator()
	data, _ := g.Generate(testProfile())
	src, err := g.Stream(testProfile(), 100, 0)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	reader := NewReader(src, ReaderConfig{BufferSize: 256, ChunkSize: 64}, testLogger())
	reader.Start(context.Background())
	defer reader.Close()

	var bs types.Bitstream
	for {
		err := reader.Fill(context.Background(), &bs)
		if errors.Is(err, types.ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatalf("Fill failed: %v", err)
		}
	}

	if !bs.EOS {
		t.Error("expected EOS on the bitstream")
	}
	if !bytes.Equal(bs.Remaining(), data) {
		t.Errorf("expected %d bytes, got %d", len(data), bs.Len())
	}
	if st := reader.Stats(); st.BytesIn != uint64(len(data)) {
		t.Errorf("expected %d bytes in, got %d", len(data), st.BytesIn)
	}
}

func TestReaderStopsOnCancel(t *testing.T) {
	g := NewGenerator()
	src, _ := g.Stream(testProfile(), 16, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	reader := NewReader(src, ReaderConfig{BufferSize: 64, ChunkSize: 16}, testLogger())
	reader.Start(ctx)
	cancel()

	var bs types.Bitstream
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if err := reader.Fill(context.Background(), &bs); err != nil {
			break
		}
	}
	if err := reader.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestJPEGPictureLayout(t *testing.T) {
	pic := jpegPicture(1, 300, 3, 4)

	if pic[0] != MarkerPrefix || pic[1] != MarkerSOI {
		t.Fatal("expected SOI")
	}
	if pic[len(pic)-2] != MarkerPrefix || pic[len(pic)-1] != MarkerEOI {
		t.Fatal("expected EOI")
	}

	sos, rst := 0, 0
	for i := 0; i+1 < len(pic); i++ {
		if pic[i] != MarkerPrefix {
			continue
		}
		switch m := pic[i+1]; {
		case m == MarkerSOS:
			sos++
		case m >= MarkerRST0 && m <= MarkerRST7:
			rst++
		}
	}
	if sos != 3 || rst != 12 {
		t.Errorf("expected 3 scans and 12 restart markers, got %d and %d", sos, rst)
	}
}

func TestFrameWriterWritesVisiblePlanes(t *testing.T) {
	alloc, _ := surface.NewAllocator(types.MemoryVideo)
	info := types.FrameInfo{Width: 48, Height: 30, Format: types.FormatNV12, PicStruct: types.PicProgressive}
	pool, err := surface.NewPool(surface.Config{Name: "out", Info: info, Count: 1, Allocator: alloc, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	lease, _ := pool.Acquire(surface.Descriptor{})
	defer lease.Release()

	var out bytes.Buffer
	fw := NewFrameWriter(&out)
	if err := fw.WriteFrame(lease); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if want := 48*30 + 48*15; out.Len() != want {
		t.Errorf("expected %d bytes, got %d", want, out.Len())
	}
	if fw.Frames() != 1 {
		t.Errorf("expected 1 frame, got %d", fw.Frames())
	}
	if snap, _ := pool.Snapshot(lease.ID()); snap.Locks != 0 {
		t.Errorf("expected the surface unlocked after write, got %d locks", snap.Locks)
	}
}
