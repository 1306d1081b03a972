// Package checkpoint persists consistent table snapshots to a blob store
// and restores them.
//
// A checkpoint root holds timestamped subdirectories whose names sort
// lexicographically by creation time. Each directory contains
// tables.records (one record per table), chunks.records (the deduplicated
// chunks the snapshot references) and an empty DONE marker written last.
// A directory without DONE is in progress or corrupt and is ignored.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"time"

	"github.com/hupe1980/replaygo/core"
	"github.com/hupe1980/replaygo/model"
	"github.com/hupe1980/replaygo/table"
)

const (
	// MagicNumber identifies replaygo record files (ASCII: "RPG1").
	MagicNumber = 0x52504731
	// Version is the current record file format version.
	Version = 0x00010000

	// TablesBlobName holds the table records of one checkpoint.
	TablesBlobName = "tables.records"
	// ChunksBlobName holds the chunk records of one checkpoint.
	ChunksBlobName = "chunks.records"
	// DoneMarkerName is written last; its absence invalidates the
	// directory.
	DoneMarkerName = "DONE"
)

var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("unsupported version")
	ErrCorruptRecord  = errors.New("corrupt record")

	// ErrNoCheckpoint is returned when no DONE-marked directory exists.
	ErrNoCheckpoint = errors.New("no valid checkpoint found")
)

// crc32Table is the IEEE polynomial table for record checksums.
var crc32Table = crc32.MakeTable(crc32.IEEE)

// fileHeader is the uncompressed 12-byte prefix of every record file.
type fileHeader struct {
	Magic       uint32
	Version     uint32
	Compression uint8
	_           [3]byte
}

const fileHeaderSize = 12

func (h fileHeader) marshal() []byte {
	buf := make([]byte, fileHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	buf[8] = h.Compression
	return buf
}

func parseFileHeader(buf []byte) (fileHeader, error) {
	var h fileHeader
	if len(buf) < fileHeaderSize {
		return h, io.ErrUnexpectedEOF
	}
	h.Magic = binary.LittleEndian.Uint32(buf[0:])
	h.Version = binary.LittleEndian.Uint32(buf[4:])
	h.Compression = buf[8]
	if h.Magic != MagicNumber {
		return h, ErrInvalidMagic
	}
	if h.Version != Version {
		return h, ErrInvalidVersion
	}
	return h, nil
}

// writeRecord frames a payload as [len:4][crc:4][payload].
func writeRecord(w io.Writer, payload []byte) error {
	var frame [8]byte
	binary.LittleEndian.PutUint32(frame[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:], crc32.Checksum(payload, crc32Table))
	if _, err := w.Write(frame[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readRecord reads one framed payload; io.EOF marks a clean end of
// stream.
func readRecord(r io.Reader) ([]byte, error) {
	var frame [8]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrCorruptRecord
		}
		return nil, err
	}
	length := binary.LittleEndian.Uint32(frame[0:])
	sum := binary.LittleEndian.Uint32(frame[4:])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrCorruptRecord
	}
	if crc32.Checksum(payload, crc32Table) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}
	return payload, nil
}

// recordBuffer accumulates a binary payload.
type recordBuffer struct {
	buf []byte
}

func (b *recordBuffer) u8(v uint8)   { b.buf = append(b.buf, v) }
func (b *recordBuffer) u16(v uint16) { b.buf = binary.LittleEndian.AppendUint16(b.buf, v) }
func (b *recordBuffer) u32(v uint32) { b.buf = binary.LittleEndian.AppendUint32(b.buf, v) }
func (b *recordBuffer) u64(v uint64) { b.buf = binary.LittleEndian.AppendUint64(b.buf, v) }
func (b *recordBuffer) i64(v int64)  { b.u64(uint64(v)) }
func (b *recordBuffer) f64(v float64) {
	b.u64(math.Float64bits(v))
}
func (b *recordBuffer) boolean(v bool) {
	if v {
		b.u8(1)
	} else {
		b.u8(0)
	}
}
func (b *recordBuffer) str(s string) {
	b.u16(uint16(len(s)))
	b.buf = append(b.buf, s...)
}
func (b *recordBuffer) bytes(p []byte) {
	b.u32(uint32(len(p)))
	b.buf = append(b.buf, p...)
}

// recordReader consumes a binary payload.
type recordReader struct {
	buf []byte
	off int
	err error
}

func (r *recordReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = ErrCorruptRecord
		return nil
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}

func (r *recordReader) u8() uint8 {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *recordReader) u16() uint16 {
	p := r.take(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (r *recordReader) u32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (r *recordReader) u64() uint64 {
	p := r.take(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

func (r *recordReader) i64() int64 { return int64(r.u64()) }

func (r *recordReader) f64() float64 { return math.Float64frombits(r.u64()) }

func (r *recordReader) boolean() bool { return r.u8() != 0 }

func (r *recordReader) str() string {
	n := int(r.u16())
	p := r.take(n)
	if p == nil {
		return ""
	}
	return string(p)
}

func (r *recordReader) bytes() []byte {
	n := int(r.u32())
	p := r.take(n)
	if p == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, p)
	return out
}

// encodeChunk serializes one chunk record:
// [key][digest][episode][start][end][delta][dataLen][data].
func encodeChunk(c *model.Chunk) []byte {
	var b recordBuffer
	b.u64(uint64(c.Key))
	b.u64(c.Digest())
	b.u64(c.Sequence.EpisodeID)
	b.u64(c.Sequence.Start)
	b.u64(c.Sequence.End)
	b.boolean(c.Sequence.DeltaEncoded)
	b.bytes(c.Data)
	return b.buf
}

// decodeChunk deserializes one chunk record and verifies its digest.
func decodeChunk(payload []byte) (*model.Chunk, error) {
	r := recordReader{buf: payload}
	c := &model.Chunk{
		Key: core.Key(r.u64()),
	}
	digest := r.u64()
	c.Sequence.EpisodeID = r.u64()
	c.Sequence.Start = r.u64()
	c.Sequence.End = r.u64()
	c.Sequence.DeltaEncoded = r.boolean()
	c.Data = r.bytes()
	if r.err != nil {
		return nil, r.err
	}
	if c.Digest() != digest {
		return nil, fmt.Errorf("%w: chunk %d digest mismatch", ErrCorruptRecord, c.Key)
	}
	return c, nil
}

func encodeSelectorOptions(b *recordBuffer, o model.SelectorOptions) {
	b.u8(uint8(o.Kind))
	b.f64(o.PriorityExponent)
	b.boolean(o.MinHeap)
	b.boolean(o.IsDeterministic)
}

func decodeSelectorOptions(r *recordReader) model.SelectorOptions {
	return model.SelectorOptions{
		Kind:             model.SelectorKind(r.u8()),
		PriorityExponent: r.f64(),
		MinHeap:          r.boolean(),
		IsDeterministic:  r.boolean(),
	}
}

// encodeTable serializes one table checkpoint record.
func encodeTable(cp *table.Checkpoint) []byte {
	var b recordBuffer
	b.str(cp.Name)
	b.u64(uint64(cp.MaxSize))
	b.u32(uint32(cp.MaxTimesSampled))
	encodeSelectorOptions(&b, cp.Sampler)
	encodeSelectorOptions(&b, cp.Remover)
	b.f64(cp.Limiter.SamplesPerInsert)
	b.i64(cp.Limiter.MinSizeToSample)
	b.f64(cp.Limiter.MinDiff)
	b.f64(cp.Limiter.MaxDiff)
	b.i64(cp.Limiter.Inserts)
	b.i64(cp.Limiter.Samples)
	b.i64(cp.Limiter.Deletes)

	b.u32(uint32(len(cp.Items)))
	for _, item := range cp.Items {
		b.u64(uint64(item.Key))
		b.f64(item.Priority)
		b.u32(item.TimesSampled)
		b.i64(item.InsertedAt.UnixNano())
		b.u16(uint16(len(item.Trajectory.Columns)))
		for _, col := range item.Trajectory.Columns {
			b.boolean(col.Squeeze)
			b.u8(uint8(col.DType))
			b.u8(uint8(len(col.Shape)))
			for _, dim := range col.Shape {
				b.i64(dim)
			}
			b.u16(uint16(len(col.Slices)))
			for _, sl := range col.Slices {
				b.u64(uint64(sl.ChunkKey))
				b.u32(uint32(sl.Offset))
				b.u32(uint32(sl.Length))
			}
		}
	}
	return b.buf
}

// decodeTable deserializes one table checkpoint record.
func decodeTable(payload []byte) (*table.Checkpoint, error) {
	r := recordReader{buf: payload}
	cp := &table.Checkpoint{
		Name:            r.str(),
		MaxSize:         int(r.u64()),
		MaxTimesSampled: int(r.u32()),
		Sampler:         decodeSelectorOptions(&r),
		Remover:         decodeSelectorOptions(&r),
	}
	cp.Limiter = model.LimiterInfo{
		SamplesPerInsert: r.f64(),
		MinSizeToSample:  r.i64(),
		MinDiff:          r.f64(),
		MaxDiff:          r.f64(),
		Inserts:          r.i64(),
		Samples:          r.i64(),
		Deletes:          r.i64(),
	}

	itemCount := int(r.u32())
	cp.Items = make([]table.ItemCheckpoint, 0, itemCount)
	for range itemCount {
		item := table.ItemCheckpoint{
			Key:          core.Key(r.u64()),
			Priority:     r.f64(),
			TimesSampled: r.u32(),
			InsertedAt:   time.Unix(0, r.i64()),
		}
		colCount := int(r.u16())
		item.Trajectory.Columns = make([]model.Column, 0, colCount)
		for range colCount {
			col := model.Column{
				Squeeze: r.boolean(),
				DType:   model.DType(r.u8()),
			}
			shapeLen := int(r.u8())
			for range shapeLen {
				col.Shape = append(col.Shape, r.i64())
			}
			sliceCount := int(r.u16())
			for range sliceCount {
				col.Slices = append(col.Slices, model.ChunkSlice{
					ChunkKey: core.Key(r.u64()),
					Offset:   int(r.u32()),
					Length:   int(r.u32()),
				})
			}
			item.Trajectory.Columns = append(item.Trajectory.Columns, col)
		}
		cp.Items = append(cp.Items, item)
	}
	if r.err != nil {
		return nil, r.err
	}
	return cp, nil
}
