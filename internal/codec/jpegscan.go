package codec

import (
	"fmt"

	"github.com/savid/hwpipe/internal/bitstream"
	"github.com/savid/hwpipe/internal/types"
)

// Piece is one independently decodable scan of a JPEG picture.
type Piece struct {
	Offset   int
	Length   int
	Restarts int
}

// ScanPieces prescans a JPEG picture and records the byte range and restart
// marker count of every scan. A picture without scans is one piece.
func ScanPieces(data []byte) ([]Piece, error) {
	if len(data) < 4 || data[0] != bitstream.MarkerPrefix || data[1] != bitstream.MarkerSOI {
		return nil, fmt.Errorf("%w: missing start of image", bitstream.ErrCorruptUnit)
	}

	var pieces []Piece
	current := -1
	end := len(data)

	for i := 2; i+1 < len(data); i++ {
		if data[i] != bitstream.MarkerPrefix {
			continue
		}
		switch m := data[i+1]; {
		case m == bitstream.MarkerSOS:
			if current >= 0 {
				pieces[current].Length = i - pieces[current].Offset
			}
			pieces = append(pieces, Piece{Offset: i})
			current = len(pieces) - 1
			i++
		case m >= bitstream.MarkerRST0 && m <= bitstream.MarkerRST7:
			if current < 0 {
				return nil, fmt.Errorf("%w: restart marker before first scan", bitstream.ErrCorruptUnit)
			}
			pieces[current].Restarts++
			i++
		case m == bitstream.MarkerEOI:
			end = i
			i = len(data)
		}
	}

	if current < 0 {
		return []Piece{{Offset: 0, Length: len(data)}}, nil
	}
	pieces[current].Length = end - pieces[current].Offset
	return pieces, nil
}

// piecesFor returns the pieces of a coded picture for the given codec.
func piecesFor(codec types.CodecID, data []byte) ([]Piece, error) {
	if codec != types.CodecJPEG {
		return []Piece{{Offset: 0, Length: len(data)}}, nil
	}
	return ScanPieces(data)
}
