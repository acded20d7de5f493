// Package wire implements the binary encoding of the client<->server
// message union: a 1-byte tag, fixed-width big-endian scalars, and
// length-prefixed strings/byte arrays. TileKeys encode as two i32, never as
// their text form.
//
// Cursor coordinates are carried as f64, not the f32 the original source
// used (see SPEC_FULL.md Open Question 1) — f32 loses individual-cell
// precision near WORLD_MAX.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/adred-codev/gridcore/internal/domain"
)

// Tag identifies the concrete message type encoded in the first byte.
type Tag byte

const (
	TagSub Tag = iota + 1
	TagUnsub
	TagSetCell
	TagCur
	TagResyncTile
	TagHello
	TagTileSnap
	TagCellUp
	TagCellUpBatch
	TagCurUp
	TagErr
)

var (
	// ErrTruncated is returned when a decode runs past the end of the buffer.
	ErrTruncated = errors.New("wire: truncated message")
	// ErrTrailingBytes is returned when bytes remain after a full decode.
	ErrTrailingBytes = errors.New("wire: trailing bytes after message")
	// ErrUnknownTag is returned for a tag byte with no known message type.
	ErrUnknownTag = errors.New("wire: unknown message tag")
	// ErrTooManyTiles is returned when a sub message exceeds MaxTilesSubscribed.
	ErrTooManyTiles = errors.New("wire: too many tiles in sub message")
)

// Message is implemented by every concrete message type.
type Message interface {
	tag() Tag
	encodeBody(w *writer)
}

// Encode serializes msg into its wire representation, tag byte first.
func Encode(msg Message) []byte {
	w := &writer{}
	w.u8(byte(msg.tag()))
	msg.encodeBody(w)
	return w.buf
}

// Decode parses a full wire frame, rejecting trailing bytes.
func Decode(data []byte) (Message, error) {
	r := &reader{buf: data}
	tagByte, err := r.u8()
	if err != nil {
		return nil, err
	}
	var msg Message
	switch Tag(tagByte) {
	case TagSub:
		msg, err = decodeSub(r)
	case TagUnsub:
		msg, err = decodeUnsub(r)
	case TagSetCell:
		msg, err = decodeSetCell(r)
	case TagCur:
		msg, err = decodeCur(r)
	case TagResyncTile:
		msg, err = decodeResyncTile(r)
	case TagHello:
		msg, err = decodeHello(r)
	case TagTileSnap:
		msg, err = decodeTileSnap(r)
	case TagCellUp:
		msg, err = decodeCellUp(r)
	case TagCellUpBatch:
		msg, err = decodeCellUpBatch(r)
	case TagCurUp:
		msg, err = decodeCurUp(r)
	case TagErr:
		msg, err = decodeErr(r)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tagByte)
	}
	if err != nil {
		return nil, err
	}
	if !r.exhausted() {
		return nil, ErrTrailingBytes
	}
	return msg, nil
}

// ---- Sub ----

type Sub struct {
	Tiles []domain.TileKey
}

func (Sub) tag() Tag { return TagSub }

func (m Sub) encodeBody(w *writer) {
	w.u16(uint16(len(m.Tiles)))
	for _, t := range m.Tiles {
		w.tileKey(t)
	}
}

func decodeSub(r *reader) (Message, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	if int(n) > domain.MaxTilesSubscribed {
		return nil, ErrTooManyTiles
	}
	tiles := make([]domain.TileKey, n)
	for i := range tiles {
		tiles[i], err = r.tileKey()
		if err != nil {
			return nil, err
		}
	}
	return Sub{Tiles: tiles}, nil
}

// ---- Unsub ----

type Unsub struct {
	Tiles []domain.TileKey
}

func (Unsub) tag() Tag { return TagUnsub }

func (m Unsub) encodeBody(w *writer) {
	w.u16(uint16(len(m.Tiles)))
	for _, t := range m.Tiles {
		w.tileKey(t)
	}
}

func decodeUnsub(r *reader) (Message, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	tiles := make([]domain.TileKey, n)
	for i := range tiles {
		tiles[i], err = r.tileKey()
		if err != nil {
			return nil, err
		}
	}
	return Unsub{Tiles: tiles}, nil
}

// ---- SetCell ----

type SetCell struct {
	Tile domain.TileKey
	I    uint16
	V    uint8
	Op   string
}

func (SetCell) tag() Tag { return TagSetCell }

func (m SetCell) encodeBody(w *writer) {
	w.tileKey(m.Tile)
	w.u16(m.I)
	w.u8(m.V)
	w.str(m.Op)
}

func decodeSetCell(r *reader) (Message, error) {
	tile, err := r.tileKey()
	if err != nil {
		return nil, err
	}
	i, err := r.u16()
	if err != nil {
		return nil, err
	}
	v, err := r.u8()
	if err != nil {
		return nil, err
	}
	op, err := r.str()
	if err != nil {
		return nil, err
	}
	return SetCell{Tile: tile, I: i, V: v, Op: op}, nil
}

// ---- Cur ----

type Cur struct {
	X, Y float64
}

func (Cur) tag() Tag { return TagCur }

func (m Cur) encodeBody(w *writer) {
	w.f64(m.X)
	w.f64(m.Y)
}

func decodeCur(r *reader) (Message, error) {
	x, err := r.f64()
	if err != nil {
		return nil, err
	}
	y, err := r.f64()
	if err != nil {
		return nil, err
	}
	return Cur{X: x, Y: y}, nil
}

// ---- ResyncTile ----

type ResyncTile struct {
	Tile    domain.TileKey
	HaveVer uint32
}

func (ResyncTile) tag() Tag { return TagResyncTile }

func (m ResyncTile) encodeBody(w *writer) {
	w.tileKey(m.Tile)
	w.u32(m.HaveVer)
}

func decodeResyncTile(r *reader) (Message, error) {
	tile, err := r.tileKey()
	if err != nil {
		return nil, err
	}
	ver, err := r.u32()
	if err != nil {
		return nil, err
	}
	return ResyncTile{Tile: tile, HaveVer: ver}, nil
}

// ---- Hello ----

type Hello struct {
	UID   string
	Name  string
	Token string
}

func (Hello) tag() Tag { return TagHello }

func (m Hello) encodeBody(w *writer) {
	w.str(m.UID)
	w.str(m.Name)
	w.str(m.Token)
}

func decodeHello(r *reader) (Message, error) {
	uid, err := r.str()
	if err != nil {
		return nil, err
	}
	name, err := r.str()
	if err != nil {
		return nil, err
	}
	token, err := r.str()
	if err != nil {
		return nil, err
	}
	return Hello{UID: uid, Name: name, Token: token}, nil
}

// ---- TileSnap ----

type TileSnap struct {
	Tile domain.TileKey
	Ver  uint32
	Enc  string
	Bits []byte
}

func (TileSnap) tag() Tag { return TagTileSnap }

func (m TileSnap) encodeBody(w *writer) {
	w.tileKey(m.Tile)
	w.u32(m.Ver)
	w.str(m.Enc)
	w.bytes(m.Bits)
}

func decodeTileSnap(r *reader) (Message, error) {
	tile, err := r.tileKey()
	if err != nil {
		return nil, err
	}
	ver, err := r.u32()
	if err != nil {
		return nil, err
	}
	enc, err := r.str()
	if err != nil {
		return nil, err
	}
	bits, err := r.bytesField()
	if err != nil {
		return nil, err
	}
	return TileSnap{Tile: tile, Ver: ver, Enc: enc, Bits: bits}, nil
}

// ---- CellUp ----

type CellUp struct {
	Tile domain.TileKey
	I    uint16
	V    uint8
	Ver  uint32
}

func (CellUp) tag() Tag { return TagCellUp }

func (m CellUp) encodeBody(w *writer) {
	w.tileKey(m.Tile)
	w.u16(m.I)
	w.u8(m.V)
	w.u32(m.Ver)
}

func decodeCellUp(r *reader) (Message, error) {
	tile, err := r.tileKey()
	if err != nil {
		return nil, err
	}
	i, err := r.u16()
	if err != nil {
		return nil, err
	}
	v, err := r.u8()
	if err != nil {
		return nil, err
	}
	ver, err := r.u32()
	if err != nil {
		return nil, err
	}
	return CellUp{Tile: tile, I: i, V: v, Ver: ver}, nil
}

// ---- CellUpBatch ----

// CellOp is one (index, value) step within a CellUpBatch.
type CellOp struct {
	I uint16
	V uint8
}

type CellUpBatch struct {
	Tile    domain.TileKey
	FromVer uint32
	ToVer   uint32
	Ops     []CellOp
}

func (CellUpBatch) tag() Tag { return TagCellUpBatch }

func (m CellUpBatch) encodeBody(w *writer) {
	w.tileKey(m.Tile)
	w.u32(m.FromVer)
	w.u32(m.ToVer)
	w.u32(uint32(len(m.Ops)))
	for _, op := range m.Ops {
		w.u16(op.I)
		w.u8(op.V)
	}
}

func decodeCellUpBatch(r *reader) (Message, error) {
	tile, err := r.tileKey()
	if err != nil {
		return nil, err
	}
	fromVer, err := r.u32()
	if err != nil {
		return nil, err
	}
	toVer, err := r.u32()
	if err != nil {
		return nil, err
	}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	ops := make([]CellOp, n)
	for i := range ops {
		idx, err := r.u16()
		if err != nil {
			return nil, err
		}
		v, err := r.u8()
		if err != nil {
			return nil, err
		}
		ops[i] = CellOp{I: idx, V: v}
	}
	return CellUpBatch{Tile: tile, FromVer: fromVer, ToVer: toVer, Ops: ops}, nil
}

// ---- CurUp ----

type CurUp struct {
	UID  string
	Name string
	X, Y float64
}

func (CurUp) tag() Tag { return TagCurUp }

func (m CurUp) encodeBody(w *writer) {
	w.str(m.UID)
	w.str(m.Name)
	w.f64(m.X)
	w.f64(m.Y)
}

func decodeCurUp(r *reader) (Message, error) {
	uid, err := r.str()
	if err != nil {
		return nil, err
	}
	name, err := r.str()
	if err != nil {
		return nil, err
	}
	x, err := r.f64()
	if err != nil {
		return nil, err
	}
	y, err := r.f64()
	if err != nil {
		return nil, err
	}
	return CurUp{UID: uid, Name: name, X: x, Y: y}, nil
}

// ---- Err ----

type Err struct {
	Code string
	Msg  string
}

func (Err) tag() Tag { return TagErr }

func (m Err) encodeBody(w *writer) {
	w.str(m.Code)
	w.str(m.Msg)
}

func decodeErr(r *reader) (Message, error) {
	code, err := r.str()
	if err != nil {
		return nil, err
	}
	msg, err := r.str()
	if err != nil {
		return nil, err
	}
	return Err{Code: code, Msg: msg}, nil
}

// ---- low-level writer/reader ----

type writer struct {
	buf []byte
}

func (w *writer) u8(v byte)     { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16)  { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32)  { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) f64(v float64) { w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(v)) }

func (w *writer) str(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) bytes(b []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) tileKey(k domain.TileKey) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(k.TX))
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(k.TY))
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) exhausted() bool { return r.off >= len(r.buf) }

func (r *reader) need(n int) error {
	if r.off+n > len(r.buf) {
		return ErrTruncated
	}
	return nil
}

func (r *reader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) f64() (float64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	bits := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return math.Float64frombits(bits), nil
}

func (r *reader) str() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *reader) bytesField() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return b, nil
}

func (r *reader) tileKey() (domain.TileKey, error) {
	tx, err := r.u32()
	if err != nil {
		return domain.TileKey{}, err
	}
	ty, err := r.u32()
	if err != nil {
		return domain.TileKey{}, err
	}
	return domain.TileKey{TX: int32(tx), TY: int32(ty)}, nil
}
