package types

// Bitstream is a growable byte buffer of compressed data with a read offset.
type Bitstream struct {
	Data       []byte
	Offset     int
	TimeStamp  int64
	FrameOrder uint32
	Flags      FrameFlags
	EOS        bool
}

// Remaining returns the unread bytes.
func (b *Bitstream) Remaining() []byte {
	return b.Data[b.Offset:]
}

// Len returns the number of unread bytes.
func (b *Bitstream) Len() int {
	return len(b.Data) - b.Offset
}

// Consume advances the read offset by n bytes.
func (b *Bitstream) Consume(n int) {
	b.Offset += n
	if b.Offset > len(b.Data) {
		b.Offset = len(b.Data)
	}
}

// Append compacts consumed bytes away and appends p.
func (b *Bitstream) Append(p []byte) {
	if b.Offset > 0 && b.Offset > len(b.Data)/2 {
		n := copy(b.Data, b.Data[b.Offset:])
		b.Data = b.Data[:n]
		b.Offset = 0
	}
	b.Data = append(b.Data, p...)
}

// Reset clears the buffer and its metadata, keeping capacity.
func (b *Bitstream) Reset() {
	b.Data = b.Data[:0]
	b.Offset = 0
	b.TimeStamp = 0
	b.FrameOrder = 0
	b.Flags = 0
	b.EOS = false
}
