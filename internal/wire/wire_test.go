package wire

import (
	"reflect"
	"testing"

	"github.com/adred-codev/gridcore/internal/domain"
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	data := Encode(msg)
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return got
}

func TestRoundTripEachMessageType(t *testing.T) {
	tile := domain.TileKey{TX: -3, TY: 9}

	cases := []Message{
		Sub{Tiles: []domain.TileKey{tile, {TX: 0, TY: 0}}},
		Unsub{Tiles: []domain.TileKey{tile}},
		SetCell{Tile: tile, I: 1337, V: 1, Op: "op-a"},
		Cur{X: 1234567.891234, Y: -999999999.5},
		ResyncTile{Tile: tile, HaveVer: 5},
		Hello{UID: "u_abcd1234", Name: "SwiftFox042", Token: "tok"},
		TileSnap{Tile: tile, Ver: 7, Enc: "rle64", Bits: []byte{1, 2, 3}},
		CellUp{Tile: tile, I: 42, V: 0, Ver: 3},
		CellUpBatch{Tile: tile, FromVer: 2, ToVer: 4, Ops: []CellOp{{I: 1, V: 1}, {I: 2, V: 0}}},
		CurUp{UID: "u_x", Name: "y", X: 1.5, Y: -2.5},
		Err{Code: ErrTileReadonlyHot, Msg: "hot tile"},
	}

	for _, msg := range cases {
		got := roundTrip(t, msg)
		if !reflect.DeepEqual(got, msg) {
			// slice-bearing messages can't be compared with !=; report them field by field below.
			switch want := msg.(type) {
			case Sub:
				g := got.(Sub)
				if len(g.Tiles) != len(want.Tiles) {
					t.Fatalf("Sub tile count mismatch: %v vs %v", g, want)
				}
				for i := range want.Tiles {
					if g.Tiles[i] != want.Tiles[i] {
						t.Fatalf("Sub tile mismatch at %d: %v vs %v", i, g, want)
					}
				}
			case Unsub:
				g := got.(Unsub)
				if len(g.Tiles) != len(want.Tiles) || g.Tiles[0] != want.Tiles[0] {
					t.Fatalf("Unsub mismatch: %v vs %v", g, want)
				}
			case TileSnap:
				g := got.(TileSnap)
				if g.Tile != want.Tile || g.Ver != want.Ver || g.Enc != want.Enc || !bytesEq(g.Bits, want.Bits) {
					t.Fatalf("TileSnap mismatch: %+v vs %+v", g, want)
				}
			case CellUpBatch:
				g := got.(CellUpBatch)
				if g.Tile != want.Tile || g.FromVer != want.FromVer || g.ToVer != want.ToVer || len(g.Ops) != len(want.Ops) {
					t.Fatalf("CellUpBatch mismatch: %+v vs %+v", g, want)
				}
				for i := range want.Ops {
					if g.Ops[i] != want.Ops[i] {
						t.Fatalf("CellUpBatch op mismatch at %d: %+v vs %+v", i, g, want)
					}
				}
			default:
				t.Fatalf("round trip mismatch: got %+v, want %+v", got, msg)
			}
		}
	}
}

func bytesEq(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	data := Encode(Cur{X: 1, Y: 2})
	data = append(data, 0xFF)
	if _, err := Decode(data); err == nil {
		t.Error("expected trailing-bytes error")
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	data := Encode(SetCell{Tile: domain.TileKey{}, I: 1, V: 1, Op: "x"})
	if _, err := Decode(data[:len(data)-3]); err == nil {
		t.Error("expected truncation error")
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	if _, err := Decode([]byte{0xEE}); err == nil {
		t.Error("expected unknown-tag error")
	}
}

func TestSubRejectsTooManyTiles(t *testing.T) {
	tiles := make([]domain.TileKey, domain.MaxTilesSubscribed+1)
	data := Encode(Sub{Tiles: tiles})
	if _, err := Decode(data); err == nil {
		t.Error("expected too-many-tiles error")
	}
}

func TestCurUsesFullPrecisionFloat(t *testing.T) {
	// Near WORLD_MAX, f32 loses individual-cell precision; f64 must not.
	x := float64(domain.WorldMax) + 0.123456789
	got := roundTrip(t, Cur{X: x, Y: 0}).(Cur)
	if got.X != x {
		t.Errorf("f64 precision lost in round trip: got %v, want %v", got.X, x)
	}
}
