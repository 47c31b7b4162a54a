package mp4

import (
	"bytes"
	"errors"
	"fmt"

	"osdburn/pkg/video/mp4/bitio"
)

// maxEmptyEntries caps the entry count of a trun without per-sample fields.
const maxEmptyEntries = 1 << 16

// ErrTooManyEntries entry count without payload exceeds maxEmptyEntries.
var ErrTooManyEntries = errors.New("too many entries")

// checkEntries guards allocations driven by entry counts read from the file.
// Entries of size 0 occupy no payload, their count is capped instead.
func checkEntries(r *bitio.Reader, count uint32, entrySize int) error {
	if r.TryError != nil {
		return r.TryError
	}
	if entrySize == 0 {
		if count > maxEmptyEntries {
			return fmt.Errorf("%d entries: %w", count, ErrTooManyEntries)
		}
		return nil
	}
	if uint64(count)*uint64(entrySize) > uint64(r.Remaining()) {
		return fmt.Errorf("%d entries of %d bytes: %w", count, entrySize, bitio.ErrShortBuffer)
	}
	return nil
}

// readString reads the rest of the payload as a null terminated string.
func readString(r *bitio.Reader) string {
	b := r.TryReadBytes(r.Remaining())
	if i := bytes.IndexByte(b, 0); i != -1 {
		b = b[:i]
	}
	return string(b)
}

/************************* FullBox **************************/

// FullBox is ISOBMFF FullBox.
type FullBox struct {
	Version uint8
	Flags   [3]byte
}

// GetFlags returns the flags.
func (b *FullBox) GetFlags() uint32 {
	flag := uint32(b.Flags[0]) << 16
	flag ^= uint32(b.Flags[1]) << 8
	flag ^= uint32(b.Flags[2])
	return flag
}

// SetFlags sets the flags.
func (b *FullBox) SetFlags(flags uint32) {
	b.Flags = [3]byte{byte(flags >> 16), byte(flags >> 8), byte(flags)}
}

// CheckFlag checks the flag status.
func (b *FullBox) CheckFlag(flag uint32) bool {
	return b.GetFlags()&flag != 0
}

// FieldSize returns the marshaled size in bytes.
func (b *FullBox) FieldSize() int {
	return 4
}

// MarshalField box to writer.
func (b *FullBox) MarshalField(w *bitio.Writer) error {
	w.TryWriteByte(b.Version)
	w.TryWriteByte(b.Flags[0])
	w.TryWriteByte(b.Flags[1])
	w.TryWriteByte(b.Flags[2])
	return w.TryError
}

// UnmarshalField reads version and flags.
func (b *FullBox) UnmarshalField(r *bitio.Reader) error {
	b.Version = r.TryReadUint8()
	r.TryReadFull(b.Flags[:])
	return r.TryError
}

/*************************** co64 ****************************/

// Co64 is ISOBMFF co64 box type.
type Co64 struct {
	FullBox
	EntryCount  uint32
	ChunkOffset []uint64
}

// Type returns the BoxType.
func (*Co64) Type() BoxType {
	return TypeCo64
}

// Size returns the marshaled size in bytes.
func (b *Co64) Size() int {
	return 8 + len(b.ChunkOffset)*8
}

// Marshal box to writer.
func (b *Co64) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	w.TryWriteUint32(b.EntryCount)
	for _, offset := range b.ChunkOffset {
		w.TryWriteUint64(offset)
	}
	return w.TryError
}

// Unmarshal box from reader.
func (b *Co64) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	b.EntryCount = r.TryReadUint32()
	if err := checkEntries(r, b.EntryCount, 8); err != nil {
		return err
	}
	b.ChunkOffset = make([]uint64, b.EntryCount)
	for i := range b.ChunkOffset {
		b.ChunkOffset[i] = r.TryReadUint64()
	}
	return r.TryError
}

/*************************** ctts ****************************/

// Ctts is ISOBMFF ctts box type.
type Ctts struct {
	FullBox
	EntryCount uint32
	Entries    []CttsEntry
}

// CttsEntry .
type CttsEntry struct {
	SampleCount    uint32
	SampleOffsetV0 uint32
	SampleOffsetV1 int32
}

// Type returns the BoxType.
func (*Ctts) Type() BoxType {
	return TypeCtts
}

// Size returns the marshaled size in bytes.
func (b *Ctts) Size() int {
	return 8 + len(b.Entries)*8
}

// Marshal box to writer.
func (b *Ctts) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	w.TryWriteUint32(b.EntryCount)
	for _, entry := range b.Entries {
		w.TryWriteUint32(entry.SampleCount)
		if b.FullBox.Version == 0 {
			w.TryWriteUint32(entry.SampleOffsetV0)
		} else {
			w.TryWriteUint32(uint32(entry.SampleOffsetV1))
		}
	}
	return w.TryError
}

// Unmarshal box from reader.
func (b *Ctts) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	b.EntryCount = r.TryReadUint32()
	if err := checkEntries(r, b.EntryCount, 8); err != nil {
		return err
	}
	b.Entries = make([]CttsEntry, b.EntryCount)
	for i := range b.Entries {
		b.Entries[i].SampleCount = r.TryReadUint32()
		if b.FullBox.Version == 0 {
			b.Entries[i].SampleOffsetV0 = r.TryReadUint32()
		} else {
			b.Entries[i].SampleOffsetV1 = int32(r.TryReadUint32())
		}
	}
	return r.TryError
}

/*************************** dinf ****************************/

// Dinf is ISOBMFF dinf box type.
type Dinf struct{}

// Type returns the BoxType.
func (*Dinf) Type() BoxType {
	return TypeDinf
}

// Size returns the marshaled size in bytes.
func (*Dinf) Size() int {
	return 0
}

// Marshal is never called.
func (*Dinf) Marshal(*bitio.Writer) error { return nil }

// Unmarshal is a no-op for containers.
func (*Dinf) Unmarshal(*bitio.Reader) error { return nil }

/*************************** dref ****************************/

// Dref is ISOBMFF dref box type.
type Dref struct {
	FullBox
	EntryCount uint32
}

// Type returns the BoxType.
func (*Dref) Type() BoxType {
	return TypeDref
}

// Size returns the marshaled size in bytes.
func (b *Dref) Size() int {
	return 8
}

// Marshal box to writer.
func (b *Dref) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	return w.WriteUint32(b.EntryCount)
}

// Unmarshal box from reader.
func (b *Dref) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	b.EntryCount = r.TryReadUint32()
	return r.TryError
}

/*************************** url ****************************/

// URL is ISOBMFF url box type.
type URL struct {
	FullBox
	Location string
}

// Type returns the BoxType.
func (*URL) Type() BoxType {
	return TypeURL
}

// URLSelfContained means the media data is in the same file.
const URLSelfContained = 0x000001

// Size returns the marshaled size in bytes.
func (b *URL) Size() int {
	if !b.FullBox.CheckFlag(URLSelfContained) {
		return len(b.Location) + 5
	}
	return 4
}

// Marshal box to writer.
func (b *URL) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	if !b.FullBox.CheckFlag(URLSelfContained) {
		_, err := w.Write([]byte(b.Location + "\000"))
		return err
	}
	return nil
}

// Unmarshal box from reader.
func (b *URL) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	if !b.FullBox.CheckFlag(URLSelfContained) {
		b.Location = readString(r)
	}
	return r.TryError
}

/*************************** edts ****************************/

// Edts is ISOBMFF edts box type.
type Edts struct{}

// Type returns the BoxType.
func (*Edts) Type() BoxType {
	return TypeEdts
}

// Size returns the marshaled size in bytes.
func (*Edts) Size() int {
	return 0
}

// Marshal is never called.
func (*Edts) Marshal(*bitio.Writer) error { return nil }

// Unmarshal is a no-op for containers.
func (*Edts) Unmarshal(*bitio.Reader) error { return nil }

/*************************** elst ****************************/

// Elst is ISOBMFF elst box type.
type Elst struct {
	FullBox
	EntryCount uint32
	Entries    []ElstEntry
}

// ElstEntry .
type ElstEntry struct {
	SegmentDurationV0 uint32
	MediaTimeV0       int32
	SegmentDurationV1 uint64
	MediaTimeV1       int64
	MediaRateInteger  int16
	MediaRateFraction int16
}

// Type returns the BoxType.
func (*Elst) Type() BoxType {
	return TypeElst
}

func (b *Elst) entrySize() int {
	if b.FullBox.Version == 0 {
		return 12
	}
	return 20
}

// Size returns the marshaled size in bytes.
func (b *Elst) Size() int {
	return 8 + len(b.Entries)*b.entrySize()
}

// Marshal box to writer.
func (b *Elst) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	w.TryWriteUint32(b.EntryCount)
	for _, entry := range b.Entries {
		if b.FullBox.Version == 0 {
			w.TryWriteUint32(entry.SegmentDurationV0)
			w.TryWriteUint32(uint32(entry.MediaTimeV0))
		} else {
			w.TryWriteUint64(entry.SegmentDurationV1)
			w.TryWriteUint64(uint64(entry.MediaTimeV1))
		}
		w.TryWriteUint16(uint16(entry.MediaRateInteger))
		w.TryWriteUint16(uint16(entry.MediaRateFraction))
	}
	return w.TryError
}

// Unmarshal box from reader.
func (b *Elst) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	b.EntryCount = r.TryReadUint32()
	if err := checkEntries(r, b.EntryCount, b.entrySize()); err != nil {
		return err
	}
	b.Entries = make([]ElstEntry, b.EntryCount)
	for i := range b.Entries {
		e := &b.Entries[i]
		if b.FullBox.Version == 0 {
			e.SegmentDurationV0 = r.TryReadUint32()
			e.MediaTimeV0 = int32(r.TryReadUint32())
		} else {
			e.SegmentDurationV1 = r.TryReadUint64()
			e.MediaTimeV1 = int64(r.TryReadUint64())
		}
		e.MediaRateInteger = int16(r.TryReadUint16())
		e.MediaRateFraction = int16(r.TryReadUint16())
	}
	return r.TryError
}

/*************************** free ****************************/

// Free is ISOBMFF free box type.
type Free struct {
	Data []byte
}

// Type returns the BoxType.
func (*Free) Type() BoxType {
	return TypeFree
}

// Size returns the marshaled size in bytes.
func (b *Free) Size() int {
	return len(b.Data)
}

// Marshal box to writer.
func (b *Free) Marshal(w *bitio.Writer) error {
	_, err := w.Write(b.Data)
	return err
}

// Unmarshal box from reader.
func (b *Free) Unmarshal(r *bitio.Reader) error {
	b.Data = r.TryReadBytes(r.Remaining())
	return r.TryError
}

/*************************** ftyp ****************************/

// Ftyp is ISOBMFF ftyp box type.
type Ftyp struct {
	MajorBrand       [4]byte
	MinorVersion     uint32
	CompatibleBrands []CompatibleBrandElem
}

// CompatibleBrandElem .
type CompatibleBrandElem struct {
	CompatibleBrand [4]byte
}

// Type returns the BoxType.
func (*Ftyp) Type() BoxType {
	return TypeFtyp
}

// Size returns the marshaled size in bytes.
func (b *Ftyp) Size() int {
	return 8 + len(b.CompatibleBrands)*4
}

// Marshal box to writer.
func (b *Ftyp) Marshal(w *bitio.Writer) error {
	w.TryWrite(b.MajorBrand[:])
	w.TryWriteUint32(b.MinorVersion)
	for _, brands := range b.CompatibleBrands {
		w.TryWrite(brands.CompatibleBrand[:])
	}
	return w.TryError
}

// Unmarshal box from reader.
func (b *Ftyp) Unmarshal(r *bitio.Reader) error {
	r.TryReadFull(b.MajorBrand[:])
	b.MinorVersion = r.TryReadUint32()
	for r.TryError == nil && r.Remaining() >= 4 {
		var elem CompatibleBrandElem
		r.TryReadFull(elem.CompatibleBrand[:])
		b.CompatibleBrands = append(b.CompatibleBrands, elem)
	}
	return r.TryError
}

/*************************** hdlr ****************************/

// Hdlr is ISOBMFF hdlr box type.
type Hdlr struct {
	FullBox
	// PreDefined corresponds to component_type of QuickTime.
	PreDefined  uint32
	HandlerType [4]byte
	Reserved    [3]uint32
	Name        string
}

// Type returns the BoxType.
func (*Hdlr) Type() BoxType {
	return TypeHdlr
}

// Size returns the marshaled size in bytes.
func (b *Hdlr) Size() int {
	return 25 + len(b.Name)
}

// Marshal box to writer.
func (b *Hdlr) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	w.TryWriteUint32(b.PreDefined)
	w.TryWrite(b.HandlerType[:])
	for _, reserved := range b.Reserved {
		w.TryWriteUint32(reserved)
	}
	w.TryWrite([]byte(b.Name + "\000"))
	return w.TryError
}

// Unmarshal box from reader.
func (b *Hdlr) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	b.PreDefined = r.TryReadUint32()
	r.TryReadFull(b.HandlerType[:])
	for i := range b.Reserved {
		b.Reserved[i] = r.TryReadUint32()
	}
	b.Name = readString(r)
	return r.TryError
}

/*************************** mdat ****************************/

// Mdat is ISOBMFF mdat box type.
type Mdat struct {
	Data []byte
}

// Type returns the BoxType.
func (*Mdat) Type() BoxType {
	return TypeMdat
}

// Size returns the marshaled size in bytes.
func (b *Mdat) Size() int {
	return len(b.Data)
}

// Marshal box to writer.
func (b *Mdat) Marshal(w *bitio.Writer) error {
	_, err := w.Write(b.Data)
	return err
}

// Unmarshal box from reader.
func (b *Mdat) Unmarshal(r *bitio.Reader) error {
	b.Data = r.TryReadBytes(r.Remaining())
	return r.TryError
}

/*************************** mdhd ****************************/

// Mdhd is ISOBMFF mdhd box type.
type Mdhd struct {
	FullBox
	CreationTimeV0     uint32
	ModificationTimeV0 uint32
	CreationTimeV1     uint64
	ModificationTimeV1 uint64
	Timescale          uint32
	DurationV0         uint32
	DurationV1         uint64
	//
	Pad        bool    // 1 bit.
	Language   [3]byte // 5 bits each. ISO-639-2/T language code
	PreDefined uint16
}

// Type returns the BoxType.
func (*Mdhd) Type() BoxType {
	return TypeMdhd
}

// Size returns the marshaled size in bytes.
func (b *Mdhd) Size() int {
	if b.FullBox.Version == 0 {
		return 24
	}
	return 36
}

// Duration returns the version independent duration.
func (b *Mdhd) Duration() uint64 {
	if b.FullBox.Version == 0 {
		return uint64(b.DurationV0)
	}
	return b.DurationV1
}

// Marshal box to writer.
func (b *Mdhd) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	if b.FullBox.Version == 0 {
		w.TryWriteUint32(b.CreationTimeV0)
		w.TryWriteUint32(b.ModificationTimeV0)
	} else {
		w.TryWriteUint64(b.CreationTimeV1)
		w.TryWriteUint64(b.ModificationTimeV1)
	}
	w.TryWriteUint32(b.Timescale)
	if b.FullBox.Version == 0 {
		w.TryWriteUint32(b.DurationV0)
	} else {
		w.TryWriteUint64(b.DurationV1)
	}
	if b.Pad {
		w.TryWriteByte(byte(0x1)<<7 | b.Language[0]&0x1f<<2 | b.Language[1]&0x1f>>3)
	} else {
		w.TryWriteByte(b.Language[0]&0x1f<<2 | b.Language[1]&0x1f>>3)
	}
	w.TryWriteByte(b.Language[1]<<5 | b.Language[2]&0x1f)
	w.TryWriteUint16(b.PreDefined)
	return w.TryError
}

// Unmarshal box from reader.
func (b *Mdhd) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	if b.FullBox.Version == 0 {
		b.CreationTimeV0 = r.TryReadUint32()
		b.ModificationTimeV0 = r.TryReadUint32()
	} else {
		b.CreationTimeV1 = r.TryReadUint64()
		b.ModificationTimeV1 = r.TryReadUint64()
	}
	b.Timescale = r.TryReadUint32()
	if b.FullBox.Version == 0 {
		b.DurationV0 = r.TryReadUint32()
	} else {
		b.DurationV1 = r.TryReadUint64()
	}
	b.Pad = r.TryReadBits(1) == 1
	for i := range b.Language {
		b.Language[i] = 0x60 | byte(r.TryReadBits(5))
	}
	b.PreDefined = r.TryReadUint16()
	return r.TryError
}

/*************************** mdia ****************************/

// Mdia is ISOBMFF mdia box type.
type Mdia struct{}

// Type returns the BoxType.
func (*Mdia) Type() BoxType {
	return TypeMdia
}

// Size returns the marshaled size in bytes.
func (*Mdia) Size() int {
	return 0
}

// Marshal is never called.
func (*Mdia) Marshal(*bitio.Writer) error { return nil }

// Unmarshal is a no-op for containers.
func (*Mdia) Unmarshal(*bitio.Reader) error { return nil }

/*************************** mfhd ****************************/

// Mfhd is ISOBMFF mfhd box type.
type Mfhd struct {
	FullBox
	SequenceNumber uint32
}

// Type returns the BoxType.
func (*Mfhd) Type() BoxType {
	return TypeMfhd
}

// Size returns the marshaled size in bytes.
func (*Mfhd) Size() int {
	return 8
}

// Marshal box to writer.
func (b *Mfhd) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	return w.WriteUint32(b.SequenceNumber)
}

// Unmarshal box from reader.
func (b *Mfhd) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	b.SequenceNumber = r.TryReadUint32()
	return r.TryError
}

/*************************** minf ****************************/

// Minf is ISOBMFF minf box type.
type Minf struct{}

// Type returns the BoxType.
func (*Minf) Type() BoxType {
	return TypeMinf
}

// Size returns the marshaled size in bytes.
func (*Minf) Size() int {
	return 0
}

// Marshal is never called.
func (*Minf) Marshal(*bitio.Writer) error { return nil }

// Unmarshal is a no-op for containers.
func (*Minf) Unmarshal(*bitio.Reader) error { return nil }

/*************************** moof ****************************/

// Moof is ISOBMFF moof box type.
type Moof struct{}

// Type returns the BoxType.
func (*Moof) Type() BoxType {
	return TypeMoof
}

// Size returns the marshaled size in bytes.
func (*Moof) Size() int {
	return 0
}

// Marshal is never called.
func (*Moof) Marshal(*bitio.Writer) error { return nil }

// Unmarshal is a no-op for containers.
func (*Moof) Unmarshal(*bitio.Reader) error { return nil }

/*************************** moov ****************************/

// Moov is ISOBMFF moov box type.
type Moov struct{}

// Type returns the BoxType.
func (*Moov) Type() BoxType {
	return TypeMoov
}

// Size returns the marshaled size in bytes.
func (*Moov) Size() int {
	return 0
}

// Marshal is never called.
func (*Moov) Marshal(*bitio.Writer) error { return nil }

// Unmarshal is a no-op for containers.
func (*Moov) Unmarshal(*bitio.Reader) error { return nil }

/*************************** mvex ****************************/

// Mvex is ISOBMFF mvex box type.
type Mvex struct{}

// Type returns the BoxType.
func (*Mvex) Type() BoxType {
	return TypeMvex
}

// Size returns the marshaled size in bytes.
func (*Mvex) Size() int {
	return 0
}

// Marshal is never called.
func (*Mvex) Marshal(*bitio.Writer) error { return nil }

// Unmarshal is a no-op for containers.
func (*Mvex) Unmarshal(*bitio.Reader) error { return nil }

/*************************** mvhd ****************************/

// Mvhd is ISOBMFF mvhd box type.
type Mvhd struct {
	FullBox
	CreationTimeV0     uint32
	ModificationTimeV0 uint32
	CreationTimeV1     uint64
	ModificationTimeV1 uint64
	Timescale          uint32
	DurationV0         uint32
	DurationV1         uint64
	Rate               int32 // fixed-point 16.16 - template=0x00010000
	Volume             int16 // template=0x0100
	Reserved           int16
	Reserved2          [2]uint32
	Matrix             [9]int32 // template={ 0x00010000,0,0,0,0x00010000,0,0,0,0x40000000 }
	PreDefined         [6]int32
	NextTrackID        uint32
}

// Type returns the BoxType.
func (*Mvhd) Type() BoxType {
	return TypeMvhd
}

// Size returns the marshaled size in bytes.
func (b *Mvhd) Size() int {
	if b.FullBox.Version == 0 {
		return 100
	}
	return 112
}

// Duration returns the version independent duration.
func (b *Mvhd) Duration() uint64 {
	if b.FullBox.Version == 0 {
		return uint64(b.DurationV0)
	}
	return b.DurationV1
}

// Marshal box to writer.
func (b *Mvhd) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	if b.FullBox.Version == 0 {
		w.TryWriteUint32(b.CreationTimeV0)
		w.TryWriteUint32(b.ModificationTimeV0)
	} else {
		w.TryWriteUint64(b.CreationTimeV1)
		w.TryWriteUint64(b.ModificationTimeV1)
	}
	w.TryWriteUint32(b.Timescale)
	if b.FullBox.Version == 0 {
		w.TryWriteUint32(b.DurationV0)
	} else {
		w.TryWriteUint64(b.DurationV1)
	}
	w.TryWriteUint32(uint32(b.Rate))
	w.TryWriteUint16(uint16(b.Volume))
	w.TryWriteUint16(uint16(b.Reserved))
	for _, reserved := range b.Reserved2 {
		w.TryWriteUint32(reserved)
	}
	for _, matrix := range b.Matrix {
		w.TryWriteUint32(uint32(matrix))
	}
	for _, preDefined := range b.PreDefined {
		w.TryWriteUint32(uint32(preDefined))
	}
	w.TryWriteUint32(b.NextTrackID)
	return w.TryError
}

// Unmarshal box from reader.
func (b *Mvhd) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	if b.FullBox.Version == 0 {
		b.CreationTimeV0 = r.TryReadUint32()
		b.ModificationTimeV0 = r.TryReadUint32()
	} else {
		b.CreationTimeV1 = r.TryReadUint64()
		b.ModificationTimeV1 = r.TryReadUint64()
	}
	b.Timescale = r.TryReadUint32()
	if b.FullBox.Version == 0 {
		b.DurationV0 = r.TryReadUint32()
	} else {
		b.DurationV1 = r.TryReadUint64()
	}
	b.Rate = int32(r.TryReadUint32())
	b.Volume = int16(r.TryReadUint16())
	b.Reserved = int16(r.TryReadUint16())
	for i := range b.Reserved2 {
		b.Reserved2[i] = r.TryReadUint32()
	}
	for i := range b.Matrix {
		b.Matrix[i] = int32(r.TryReadUint32())
	}
	for i := range b.PreDefined {
		b.PreDefined[i] = int32(r.TryReadUint32())
	}
	b.NextTrackID = r.TryReadUint32()
	return r.TryError
}

/*********************** SampleEntry *************************/

// SampleEntry .
type SampleEntry struct {
	Reserved           [6]uint8
	DataReferenceIndex uint16
}

// Marshal entry to buffer.
func (b *SampleEntry) Marshal(w *bitio.Writer) error {
	for _, reserved := range b.Reserved {
		w.TryWriteByte(reserved)
	}
	w.TryWriteUint16(b.DataReferenceIndex)
	return w.TryError
}

// Unmarshal entry from reader.
func (b *SampleEntry) Unmarshal(r *bitio.Reader) error {
	r.TryReadFull(b.Reserved[:])
	b.DataReferenceIndex = r.TryReadUint16()
	return r.TryError
}

/*********************** avc1 *************************/

// Avc1 is ISOBMFF AVC box type.
type Avc1 struct {
	SampleEntry
	PreDefined      uint16
	Reserved        uint16
	PreDefined2     [3]uint32
	Width           uint16
	Height          uint16
	Horizresolution uint32
	Vertresolution  uint32
	Reserved2       uint32
	FrameCount      uint16
	Compressorname  [32]byte
	Depth           uint16
	PreDefined3     int16
}

// Type returns the BoxType.
func (*Avc1) Type() BoxType {
	return TypeAvc1
}

// Size returns the marshaled size in bytes.
func (*Avc1) Size() int {
	return 78
}

// Marshal box to writer.
func (b *Avc1) Marshal(w *bitio.Writer) error {
	err := b.SampleEntry.Marshal(w)
	if err != nil {
		return err
	}
	w.TryWriteUint16(b.PreDefined)
	w.TryWriteUint16(b.Reserved)
	for _, preDefined := range b.PreDefined2 {
		w.TryWriteUint32(preDefined)
	}
	w.TryWriteUint16(b.Width)
	w.TryWriteUint16(b.Height)
	w.TryWriteUint32(b.Horizresolution)
	w.TryWriteUint32(b.Vertresolution)
	w.TryWriteUint32(b.Reserved2)
	w.TryWriteUint16(b.FrameCount)
	w.TryWrite(b.Compressorname[:])
	w.TryWriteUint16(b.Depth)
	w.TryWriteUint16(uint16(b.PreDefined3))
	return w.TryError
}

// Unmarshal box from reader.
func (b *Avc1) Unmarshal(r *bitio.Reader) error {
	if err := b.SampleEntry.Unmarshal(r); err != nil {
		return err
	}
	b.PreDefined = r.TryReadUint16()
	b.Reserved = r.TryReadUint16()
	for i := range b.PreDefined2 {
		b.PreDefined2[i] = r.TryReadUint32()
	}
	b.Width = r.TryReadUint16()
	b.Height = r.TryReadUint16()
	b.Horizresolution = r.TryReadUint32()
	b.Vertresolution = r.TryReadUint32()
	b.Reserved2 = r.TryReadUint32()
	b.FrameCount = r.TryReadUint16()
	r.TryReadFull(b.Compressorname[:])
	b.Depth = r.TryReadUint16()
	b.PreDefined3 = int16(r.TryReadUint16())
	return r.TryError
}

/**************** AVCDecoderConfiguration ****************.*/
const (
	AVCBaselineProfile uint8 = 66  // 0x42
	AVCMainProfile     uint8 = 77  // 0x4d
	AVCExtendedProfile uint8 = 88  // 0x58
	AVCHighProfile     uint8 = 100 // 0x64
	AVCHigh10Profile   uint8 = 110 // 0x6e
	AVCHigh422Profile  uint8 = 122 // 0x7a
	AVCHigh444Profile  uint8 = 144 // 0x90
)

func isHighProfile(profile uint8) bool {
	switch profile {
	case AVCHighProfile, AVCHigh10Profile, AVCHigh422Profile, AVCHigh444Profile:
		return true
	}
	return false
}

// AVCParameterSet .
type AVCParameterSet struct {
	Length  uint16
	NALUnit []byte
}

// NewAVCParameterSet returns a parameter set with the length field filled in.
func NewAVCParameterSet(nalu []byte) AVCParameterSet {
	return AVCParameterSet{Length: uint16(len(nalu)), NALUnit: nalu}
}

// FieldSize returns the marshaled size in bytes.
func (b *AVCParameterSet) FieldSize() int {
	return len(b.NALUnit) + 2
}

// MarshalField box to writer.
func (b *AVCParameterSet) MarshalField(w *bitio.Writer) error {
	w.TryWriteUint16(b.Length)
	w.TryWrite(b.NALUnit)
	return w.TryError
}

// UnmarshalField reads a length prefixed parameter set.
func (b *AVCParameterSet) UnmarshalField(r *bitio.Reader) error {
	b.Length = r.TryReadUint16()
	b.NALUnit = r.TryReadBytes(int(b.Length))
	return r.TryError
}

/*************************** avcC ****************************/

// ErrAvcCProfile profile and high profile fields disagree.
var ErrAvcCProfile = errors.New("avcC: high profile fields on non high profile")

// AvcC is ISOBMFF AVC configuration box type.
type AvcC struct {
	ConfigurationVersion         uint8
	Profile                      uint8
	ProfileCompatibility         uint8
	Level                        uint8
	Reserved                     uint8 // 6 bits.
	LengthSizeMinusOne           uint8 // 2 bits.
	Reserved2                    uint8 // 3 bits.
	NumOfSequenceParameterSets   uint8 // 5 bits.
	SequenceParameterSets        []AVCParameterSet
	NumOfPictureParameterSets    uint8
	PictureParameterSets         []AVCParameterSet
	HighProfileFieldsEnabled     bool
	Reserved3                    uint8 // 6 bits.
	ChromaFormat                 uint8 // 2 bits.
	Reserved4                    uint8 // 5 bits.
	BitDepthLumaMinus8           uint8 // 3 bits.
	Reserved5                    uint8 // 5 bits.
	BitDepthChromaMinus8         uint8 // 3 bits.
	NumOfSequenceParameterSetExt uint8
	SequenceParameterSetsExt     []AVCParameterSet
}

// Type returns the BoxType.
func (*AvcC) Type() BoxType {
	return TypeAvcC
}

// Size returns the marshaled size in bytes.
func (b *AvcC) Size() int {
	total := 7
	for _, sets := range b.SequenceParameterSets {
		total += sets.FieldSize()
	}
	for _, sets := range b.PictureParameterSets {
		total += sets.FieldSize()
	}
	if b.HighProfileFieldsEnabled {
		total += 4
		for _, sets := range b.SequenceParameterSetsExt {
			total += sets.FieldSize()
		}
	}
	return total
}

// Marshal box to writer.
func (b *AvcC) Marshal(w *bitio.Writer) error {
	if b.HighProfileFieldsEnabled && !isHighProfile(b.Profile) {
		return ErrAvcCProfile
	}
	w.TryWriteByte(b.ConfigurationVersion)
	w.TryWriteByte(b.Profile)
	w.TryWriteByte(b.ProfileCompatibility)
	w.TryWriteByte(b.Level)
	w.TryWriteByte(b.Reserved<<2 | b.LengthSizeMinusOne&0x3)
	w.TryWriteByte(b.Reserved2<<5 | b.NumOfSequenceParameterSets&0x1f)
	for _, sets := range b.SequenceParameterSets {
		err := sets.MarshalField(w)
		if err != nil {
			return err
		}
	}
	w.TryWriteByte(b.NumOfPictureParameterSets)
	for _, sets := range b.PictureParameterSets {
		err := sets.MarshalField(w)
		if err != nil {
			return err
		}
	}
	if b.HighProfileFieldsEnabled {
		w.TryWriteByte(b.Reserved3<<2 | b.ChromaFormat&0x3)
		w.TryWriteByte(b.Reserved4<<3 | b.BitDepthLumaMinus8&0x7)
		w.TryWriteByte(b.Reserved5<<3 | b.BitDepthChromaMinus8&0x7)
		w.TryWriteByte(b.NumOfSequenceParameterSetExt)
		for _, sets := range b.SequenceParameterSetsExt {
			err := sets.MarshalField(w)
			if err != nil {
				return err
			}
		}
	}
	return w.TryError
}

// Unmarshal box from reader.
func (b *AvcC) Unmarshal(r *bitio.Reader) error {
	b.ConfigurationVersion = r.TryReadUint8()
	b.Profile = r.TryReadUint8()
	b.ProfileCompatibility = r.TryReadUint8()
	b.Level = r.TryReadUint8()
	b.Reserved = uint8(r.TryReadBits(6))
	b.LengthSizeMinusOne = uint8(r.TryReadBits(2))
	b.Reserved2 = uint8(r.TryReadBits(3))
	b.NumOfSequenceParameterSets = uint8(r.TryReadBits(5))
	b.SequenceParameterSets = make([]AVCParameterSet, b.NumOfSequenceParameterSets)
	for i := range b.SequenceParameterSets {
		if err := b.SequenceParameterSets[i].UnmarshalField(r); err != nil {
			return err
		}
	}
	b.NumOfPictureParameterSets = r.TryReadUint8()
	b.PictureParameterSets = make([]AVCParameterSet, b.NumOfPictureParameterSets)
	for i := range b.PictureParameterSets {
		if err := b.PictureParameterSets[i].UnmarshalField(r); err != nil {
			return err
		}
	}
	if r.TryError != nil {
		return r.TryError
	}

	// Older encoders omit the high profile fields.
	if !isHighProfile(b.Profile) || r.Remaining() < 4 {
		return nil
	}
	b.HighProfileFieldsEnabled = true
	b.Reserved3 = uint8(r.TryReadBits(6))
	b.ChromaFormat = uint8(r.TryReadBits(2))
	b.Reserved4 = uint8(r.TryReadBits(5))
	b.BitDepthLumaMinus8 = uint8(r.TryReadBits(3))
	b.Reserved5 = uint8(r.TryReadBits(5))
	b.BitDepthChromaMinus8 = uint8(r.TryReadBits(3))
	b.NumOfSequenceParameterSetExt = r.TryReadUint8()
	b.SequenceParameterSetsExt = make([]AVCParameterSet, b.NumOfSequenceParameterSetExt)
	for i := range b.SequenceParameterSetsExt {
		if err := b.SequenceParameterSetsExt[i].UnmarshalField(r); err != nil {
			return err
		}
	}
	return r.TryError
}

// ParseAvcC parses an AVCDecoderConfigurationRecord without box header.
func ParseAvcC(record []byte) (*AvcC, error) {
	var b AvcC
	if err := b.Unmarshal(bitio.NewReader(record)); err != nil {
		return nil, fmt.Errorf("%w: avcC: %v", ErrContainerFormat, err)
	}
	if b.ConfigurationVersion != 1 {
		return nil, fmt.Errorf("%w: avcC: unsupported version %d",
			ErrContainerFormat, b.ConfigurationVersion)
	}
	return &b, nil
}

// Record returns the AVCDecoderConfigurationRecord without box header.
func (b *AvcC) Record() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(b.Size())
	if err := b.Marshal(bitio.NewWriter(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

/*************************** stbl ****************************/

// Stbl is ISOBMFF stbl box type.
type Stbl struct{}

// Type returns the BoxType.
func (*Stbl) Type() BoxType {
	return TypeStbl
}

// Size returns the marshaled size in bytes.
func (*Stbl) Size() int {
	return 0
}

// Marshal is never called.
func (*Stbl) Marshal(*bitio.Writer) error { return nil }

// Unmarshal is a no-op for containers.
func (*Stbl) Unmarshal(*bitio.Reader) error { return nil }

/*************************** stco ****************************/

// Stco is ISOBMFF stco box type.
type Stco struct {
	FullBox
	EntryCount  uint32
	ChunkOffset []uint32
}

// Type returns the BoxType.
func (*Stco) Type() BoxType {
	return TypeStco
}

// Size returns the marshaled size in bytes.
func (b *Stco) Size() int {
	return 8 + len(b.ChunkOffset)*4
}

// Marshal box to writer.
func (b *Stco) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	w.TryWriteUint32(b.EntryCount)
	for _, offset := range b.ChunkOffset {
		w.TryWriteUint32(offset)
	}
	return w.TryError
}

// Unmarshal box from reader.
func (b *Stco) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	b.EntryCount = r.TryReadUint32()
	if err := checkEntries(r, b.EntryCount, 4); err != nil {
		return err
	}
	b.ChunkOffset = make([]uint32, b.EntryCount)
	for i := range b.ChunkOffset {
		b.ChunkOffset[i] = r.TryReadUint32()
	}
	return r.TryError
}

/*************************** stsc ****************************/

// StscEntry .
type StscEntry struct {
	FirstChunk             uint32
	SamplesPerChunk        uint32
	SampleDescriptionIndex uint32
}

// MarshalField entry to buffer.
func (b *StscEntry) MarshalField(w *bitio.Writer) error {
	w.TryWriteUint32(b.FirstChunk)
	w.TryWriteUint32(b.SamplesPerChunk)
	w.TryWriteUint32(b.SampleDescriptionIndex)
	return w.TryError
}

// Stsc is ISOBMFF stsc box type.
type Stsc struct {
	FullBox
	EntryCount uint32
	Entries    []StscEntry
}

// Type returns the BoxType.
func (*Stsc) Type() BoxType {
	return TypeStsc
}

// Size returns the marshaled size in bytes.
func (b *Stsc) Size() int {
	return 8 + len(b.Entries)*12
}

// Marshal box to writer.
func (b *Stsc) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	w.TryWriteUint32(b.EntryCount)
	for _, entry := range b.Entries {
		err := entry.MarshalField(w)
		if err != nil {
			return err
		}
	}
	return w.TryError
}

// Unmarshal box from reader.
func (b *Stsc) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	b.EntryCount = r.TryReadUint32()
	if err := checkEntries(r, b.EntryCount, 12); err != nil {
		return err
	}
	b.Entries = make([]StscEntry, b.EntryCount)
	for i := range b.Entries {
		b.Entries[i].FirstChunk = r.TryReadUint32()
		b.Entries[i].SamplesPerChunk = r.TryReadUint32()
		b.Entries[i].SampleDescriptionIndex = r.TryReadUint32()
	}
	return r.TryError
}

/*************************** stsd ****************************/

// Stsd is ISOBMFF stsd box type.
type Stsd struct {
	FullBox
	EntryCount uint32
}

// Type returns the BoxType.
func (*Stsd) Type() BoxType {
	return TypeStsd
}

// Size returns the marshaled size in bytes.
func (*Stsd) Size() int {
	return 8
}

// Marshal box to writer.
func (b *Stsd) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	return w.WriteUint32(b.EntryCount)
}

// Unmarshal box from reader.
func (b *Stsd) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	b.EntryCount = r.TryReadUint32()
	return r.TryError
}

/*************************** stss ****************************/

// Stss is ISOBMFF stss box type.
type Stss struct {
	FullBox
	EntryCount   uint32
	SampleNumber []uint32
}

// Type returns the BoxType.
func (*Stss) Type() BoxType {
	return TypeStss
}

// Size returns the marshaled size in bytes.
func (b *Stss) Size() int {
	return 8 + len(b.SampleNumber)*4
}

// Marshal box to writer.
func (b *Stss) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	w.TryWriteUint32(b.EntryCount)
	for _, number := range b.SampleNumber {
		w.TryWriteUint32(number)
	}
	return w.TryError
}

// Unmarshal box from reader.
func (b *Stss) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	b.EntryCount = r.TryReadUint32()
	if err := checkEntries(r, b.EntryCount, 4); err != nil {
		return err
	}
	b.SampleNumber = make([]uint32, b.EntryCount)
	for i := range b.SampleNumber {
		b.SampleNumber[i] = r.TryReadUint32()
	}
	return r.TryError
}

/*************************** stsz ****************************/

// Stsz is ISOBMFF stsz box type.
type Stsz struct {
	FullBox
	SampleSize  uint32
	SampleCount uint32
	EntrySize   []uint32
}

// Type returns the BoxType.
func (*Stsz) Type() BoxType {
	return TypeStsz
}

// Size returns the marshaled size in bytes.
func (b *Stsz) Size() int {
	return 12 + len(b.EntrySize)*4
}

// SizeOf returns the size of the sample at the 0-based index.
func (b *Stsz) SizeOf(i int) uint32 {
	if b.SampleSize != 0 {
		return b.SampleSize
	}
	return b.EntrySize[i]
}

// Marshal box to writer.
func (b *Stsz) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	w.TryWriteUint32(b.SampleSize)
	w.TryWriteUint32(b.SampleCount)
	for _, entry := range b.EntrySize {
		w.TryWriteUint32(entry)
	}
	return w.TryError
}

// Unmarshal box from reader.
func (b *Stsz) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	b.SampleSize = r.TryReadUint32()
	b.SampleCount = r.TryReadUint32()
	if b.SampleSize != 0 {
		return r.TryError
	}
	if err := checkEntries(r, b.SampleCount, 4); err != nil {
		return err
	}
	b.EntrySize = make([]uint32, b.SampleCount)
	for i := range b.EntrySize {
		b.EntrySize[i] = r.TryReadUint32()
	}
	return r.TryError
}

/*************************** stts ****************************/

// Stts is ISOBMFF stts box type.
type Stts struct {
	FullBox
	EntryCount uint32
	Entries    []SttsEntry
}

// SttsEntry .
type SttsEntry struct {
	SampleCount uint32
	SampleDelta uint32
}

// Marshal entry to buffer.
func (b *SttsEntry) Marshal(w *bitio.Writer) error {
	w.TryWriteUint32(b.SampleCount)
	w.TryWriteUint32(b.SampleDelta)
	return w.TryError
}

// Type returns the BoxType.
func (*Stts) Type() BoxType {
	return TypeStts
}

// Size returns the marshaled size in bytes.
func (b *Stts) Size() int {
	return 8 + len(b.Entries)*8
}

// Marshal box to writer.
func (b *Stts) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	w.TryWriteUint32(b.EntryCount)
	for _, entry := range b.Entries {
		err := entry.Marshal(w)
		if err != nil {
			return err
		}
	}
	return w.TryError
}

// Unmarshal box from reader.
func (b *Stts) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	b.EntryCount = r.TryReadUint32()
	if err := checkEntries(r, b.EntryCount, 8); err != nil {
		return err
	}
	b.Entries = make([]SttsEntry, b.EntryCount)
	for i := range b.Entries {
		b.Entries[i].SampleCount = r.TryReadUint32()
		b.Entries[i].SampleDelta = r.TryReadUint32()
	}
	return r.TryError
}

/*************************** tfdt ****************************/

// Tfdt is ISOBMFF tfdt box type.
type Tfdt struct {
	FullBox
	BaseMediaDecodeTimeV0 uint32
	BaseMediaDecodeTimeV1 uint64
}

// Type returns the BoxType.
func (*Tfdt) Type() BoxType {
	return TypeTfdt
}

// Size returns the marshaled size in bytes.
func (b *Tfdt) Size() int {
	if b.FullBox.Version == 0 {
		return 8
	}
	return 12
}

// BaseMediaDecodeTime returns the version independent decode time.
func (b *Tfdt) BaseMediaDecodeTime() uint64 {
	if b.FullBox.Version == 0 {
		return uint64(b.BaseMediaDecodeTimeV0)
	}
	return b.BaseMediaDecodeTimeV1
}

// Marshal box to writer.
func (b *Tfdt) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	if b.FullBox.Version == 0 {
		return w.WriteUint32(b.BaseMediaDecodeTimeV0)
	}
	return w.WriteUint64(b.BaseMediaDecodeTimeV1)
}

// Unmarshal box from reader.
func (b *Tfdt) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	if b.FullBox.Version == 0 {
		b.BaseMediaDecodeTimeV0 = r.TryReadUint32()
	} else {
		b.BaseMediaDecodeTimeV1 = r.TryReadUint64()
	}
	return r.TryError
}

/*************************** tfhd ****************************/

// Tfhd is ISOBMFF tfhd box type.
type Tfhd struct {
	FullBox
	TrackID uint32

	// optional
	BaseDataOffset         uint64
	SampleDescriptionIndex uint32
	DefaultSampleDuration  uint32
	DefaultSampleSize      uint32
	DefaultSampleFlags     uint32
}

// tfhd flags.
const (
	TfhdBaseDataOffsetPresent         = 0x000001
	TfhdSampleDescriptionIndexPresent = 0x000002
	TfhdDefaultSampleDurationPresent  = 0x000008
	TfhdDefaultSampleSizePresent      = 0x000010
	TfhdDefaultSampleFlagsPresent     = 0x000020
	TfhdDefaultBaseIsMoof             = 0x020000
)

// Type returns the BoxType.
func (*Tfhd) Type() BoxType {
	return TypeTfhd
}

// Size returns the marshaled size in bytes.
func (b *Tfhd) Size() int {
	total := b.FullBox.FieldSize() + 4
	if b.FullBox.CheckFlag(TfhdBaseDataOffsetPresent) {
		total += 8
	}
	if b.FullBox.CheckFlag(TfhdSampleDescriptionIndexPresent) {
		total += 4
	}
	if b.FullBox.CheckFlag(TfhdDefaultSampleDurationPresent) {
		total += 4
	}
	if b.FullBox.CheckFlag(TfhdDefaultSampleSizePresent) {
		total += 4
	}
	if b.FullBox.CheckFlag(TfhdDefaultSampleFlagsPresent) {
		total += 4
	}
	return total
}

// Marshal box to writer.
func (b *Tfhd) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	w.TryWriteUint32(b.TrackID)
	if b.FullBox.CheckFlag(TfhdBaseDataOffsetPresent) {
		w.TryWriteUint64(b.BaseDataOffset)
	}
	if b.FullBox.CheckFlag(TfhdSampleDescriptionIndexPresent) {
		w.TryWriteUint32(b.SampleDescriptionIndex)
	}
	if b.FullBox.CheckFlag(TfhdDefaultSampleDurationPresent) {
		w.TryWriteUint32(b.DefaultSampleDuration)
	}
	if b.FullBox.CheckFlag(TfhdDefaultSampleSizePresent) {
		w.TryWriteUint32(b.DefaultSampleSize)
	}
	if b.FullBox.CheckFlag(TfhdDefaultSampleFlagsPresent) {
		w.TryWriteUint32(b.DefaultSampleFlags)
	}
	return w.TryError
}

// Unmarshal box from reader.
func (b *Tfhd) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	b.TrackID = r.TryReadUint32()
	if b.FullBox.CheckFlag(TfhdBaseDataOffsetPresent) {
		b.BaseDataOffset = r.TryReadUint64()
	}
	if b.FullBox.CheckFlag(TfhdSampleDescriptionIndexPresent) {
		b.SampleDescriptionIndex = r.TryReadUint32()
	}
	if b.FullBox.CheckFlag(TfhdDefaultSampleDurationPresent) {
		b.DefaultSampleDuration = r.TryReadUint32()
	}
	if b.FullBox.CheckFlag(TfhdDefaultSampleSizePresent) {
		b.DefaultSampleSize = r.TryReadUint32()
	}
	if b.FullBox.CheckFlag(TfhdDefaultSampleFlagsPresent) {
		b.DefaultSampleFlags = r.TryReadUint32()
	}
	return r.TryError
}

/*************************** tkhd ****************************/

// Tkhd is ISOBMFF tkhd box type.
type Tkhd struct {
	FullBox
	CreationTimeV0     uint32
	ModificationTimeV0 uint32
	CreationTimeV1     uint64
	ModificationTimeV1 uint64
	TrackID            uint32
	Reserved0          uint32
	DurationV0         uint32
	DurationV1         uint64

	Reserved1      [2]uint32
	Layer          int16 // template=0
	AlternateGroup int16 // template=0
	Volume         int16 // template={if track_is_audio 0x0100 else 0}
	Reserved2      uint16
	Matrix         [9]int32 // template={ 0x00010000,0,0,0,0x00010000,0,0,0,0x40000000 };
	Width          uint32   // fixed-point 16.16
	Height         uint32   // fixed-point 16.16
}

// Type returns the BoxType.
func (*Tkhd) Type() BoxType {
	return TypeTkhd
}

// Size returns the marshaled size in bytes.
func (b *Tkhd) Size() int {
	if b.FullBox.Version == 0 {
		return 84
	}
	return 96
}

// Marshal box to writer.
func (b *Tkhd) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	if b.FullBox.Version == 0 {
		w.TryWriteUint32(b.CreationTimeV0)
		w.TryWriteUint32(b.ModificationTimeV0)
	} else {
		w.TryWriteUint64(b.CreationTimeV1)
		w.TryWriteUint64(b.ModificationTimeV1)
	}
	w.TryWriteUint32(b.TrackID)
	w.TryWriteUint32(b.Reserved0)
	if b.FullBox.Version == 0 {
		w.TryWriteUint32(b.DurationV0)
	} else {
		w.TryWriteUint64(b.DurationV1)
	}
	for _, reserved := range b.Reserved1 {
		w.TryWriteUint32(reserved)
	}
	w.TryWriteUint16(uint16(b.Layer))
	w.TryWriteUint16(uint16(b.AlternateGroup))
	w.TryWriteUint16(uint16(b.Volume))
	w.TryWriteUint16(b.Reserved2)
	for _, matrix := range b.Matrix {
		w.TryWriteUint32(uint32(matrix))
	}
	w.TryWriteUint32(b.Width)
	w.TryWriteUint32(b.Height)
	return w.TryError
}

// Unmarshal box from reader.
func (b *Tkhd) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	if b.FullBox.Version == 0 {
		b.CreationTimeV0 = r.TryReadUint32()
		b.ModificationTimeV0 = r.TryReadUint32()
	} else {
		b.CreationTimeV1 = r.TryReadUint64()
		b.ModificationTimeV1 = r.TryReadUint64()
	}
	b.TrackID = r.TryReadUint32()
	b.Reserved0 = r.TryReadUint32()
	if b.FullBox.Version == 0 {
		b.DurationV0 = r.TryReadUint32()
	} else {
		b.DurationV1 = r.TryReadUint64()
	}
	for i := range b.Reserved1 {
		b.Reserved1[i] = r.TryReadUint32()
	}
	b.Layer = int16(r.TryReadUint16())
	b.AlternateGroup = int16(r.TryReadUint16())
	b.Volume = int16(r.TryReadUint16())
	b.Reserved2 = r.TryReadUint16()
	for i := range b.Matrix {
		b.Matrix[i] = int32(r.TryReadUint32())
	}
	b.Width = r.TryReadUint32()
	b.Height = r.TryReadUint32()
	return r.TryError
}

/*************************** traf ****************************/

// Traf is ISOBMFF traf box type.
type Traf struct{}

// Type returns the BoxType.
func (*Traf) Type() BoxType {
	return TypeTraf
}

// Size returns the marshaled size in bytes.
func (*Traf) Size() int {
	return 0
}

// Marshal is never called.
func (*Traf) Marshal(*bitio.Writer) error { return nil }

// Unmarshal is a no-op for containers.
func (*Traf) Unmarshal(*bitio.Reader) error { return nil }

/*************************** trak ****************************/

// Trak is ISOBMFF trak box type.
type Trak struct{}

// Type returns the BoxType.
func (*Trak) Type() BoxType {
	return TypeTrak
}

// Size returns the marshaled size in bytes.
func (*Trak) Size() int {
	return 0
}

// Marshal is never called.
func (*Trak) Marshal(*bitio.Writer) error { return nil }

// Unmarshal is a no-op for containers.
func (*Trak) Unmarshal(*bitio.Reader) error { return nil }

/*************************** trex ****************************/

// Trex is ISOBMFF trex box type.
type Trex struct {
	FullBox
	TrackID                       uint32
	DefaultSampleDescriptionIndex uint32
	DefaultSampleDuration         uint32
	DefaultSampleSize             uint32
	DefaultSampleFlags            uint32
}

// Type returns the BoxType.
func (*Trex) Type() BoxType {
	return TypeTrex
}

// Size returns the marshaled size in bytes.
func (*Trex) Size() int {
	return 24
}

// Marshal box to writer.
func (b *Trex) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	w.TryWriteUint32(b.TrackID)
	w.TryWriteUint32(b.DefaultSampleDescriptionIndex)
	w.TryWriteUint32(b.DefaultSampleDuration)
	w.TryWriteUint32(b.DefaultSampleSize)
	w.TryWriteUint32(b.DefaultSampleFlags)
	return w.TryError
}

// Unmarshal box from reader.
func (b *Trex) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	b.TrackID = r.TryReadUint32()
	b.DefaultSampleDescriptionIndex = r.TryReadUint32()
	b.DefaultSampleDuration = r.TryReadUint32()
	b.DefaultSampleSize = r.TryReadUint32()
	b.DefaultSampleFlags = r.TryReadUint32()
	return r.TryError
}

/*************************** trun ****************************/

// TrunEntry .
type TrunEntry struct {
	SampleDuration                uint32
	SampleSize                    uint32
	SampleFlags                   uint32
	SampleCompositionTimeOffsetV0 uint32
	SampleCompositionTimeOffsetV1 int32
}

// trun flags.
const (
	TrunDataOffsetPresent                  = 0x000001
	TrunFirstSampleFlagsPresent            = 0x000004
	TrunSampleDurationPresent              = 0x000100
	TrunSampleSizePresent                  = 0x000200
	TrunSampleFlagsPresent                 = 0x000400
	TrunSampleCompositionTimeOffsetPresent = 0x000800
)

// FieldSize returns the marshaled size in bytes.
func (b *TrunEntry) FieldSize(fullBox FullBox) int {
	total := 0
	if fullBox.CheckFlag(TrunSampleDurationPresent) {
		total += 4
	}
	if fullBox.CheckFlag(TrunSampleSizePresent) {
		total += 4
	}
	if fullBox.CheckFlag(TrunSampleFlagsPresent) {
		total += 4
	}
	if fullBox.CheckFlag(TrunSampleCompositionTimeOffsetPresent) {
		total += 4
	}
	return total
}

// MarshalField entry to buffer.
func (b *TrunEntry) MarshalField(w *bitio.Writer, fullBox FullBox) error {
	if fullBox.CheckFlag(TrunSampleDurationPresent) {
		w.TryWriteUint32(b.SampleDuration)
	}
	if fullBox.CheckFlag(TrunSampleSizePresent) {
		w.TryWriteUint32(b.SampleSize)
	}
	if fullBox.CheckFlag(TrunSampleFlagsPresent) {
		w.TryWriteUint32(b.SampleFlags)
	}
	if fullBox.CheckFlag(TrunSampleCompositionTimeOffsetPresent) {
		if fullBox.Version == 0 {
			w.TryWriteUint32(b.SampleCompositionTimeOffsetV0)
		} else {
			w.TryWriteUint32(uint32(b.SampleCompositionTimeOffsetV1))
		}
	}
	return w.TryError
}

// UnmarshalField reads the fields selected by the box flags.
func (b *TrunEntry) UnmarshalField(r *bitio.Reader, fullBox FullBox) error {
	if fullBox.CheckFlag(TrunSampleDurationPresent) {
		b.SampleDuration = r.TryReadUint32()
	}
	if fullBox.CheckFlag(TrunSampleSizePresent) {
		b.SampleSize = r.TryReadUint32()
	}
	if fullBox.CheckFlag(TrunSampleFlagsPresent) {
		b.SampleFlags = r.TryReadUint32()
	}
	if fullBox.CheckFlag(TrunSampleCompositionTimeOffsetPresent) {
		if fullBox.Version == 0 {
			b.SampleCompositionTimeOffsetV0 = r.TryReadUint32()
		} else {
			b.SampleCompositionTimeOffsetV1 = int32(r.TryReadUint32())
		}
	}
	return r.TryError
}

// Trun is ISOBMFF trun box type.
type Trun struct {
	FullBox
	SampleCount uint32

	// optional fields
	DataOffset       int32
	FirstSampleFlags uint32
	Entries          []TrunEntry
}

// Type returns the BoxType.
func (*Trun) Type() BoxType {
	return TypeTrun
}

// Size returns the marshaled size in bytes.
func (b *Trun) Size() int {
	total := 8
	if b.FullBox.CheckFlag(TrunDataOffsetPresent) {
		total += 4
	}
	if b.FullBox.CheckFlag(TrunFirstSampleFlagsPresent) {
		total += 4
	}
	for _, entry := range b.Entries {
		total += entry.FieldSize(b.FullBox)
	}
	return total
}

// Marshal box to writer.
func (b *Trun) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	w.TryWriteUint32(b.SampleCount)
	if b.FullBox.CheckFlag(TrunDataOffsetPresent) {
		w.TryWriteUint32(uint32(b.DataOffset))
	}
	if b.FullBox.CheckFlag(TrunFirstSampleFlagsPresent) {
		w.TryWriteUint32(b.FirstSampleFlags)
	}
	if w.TryError != nil {
		return w.TryError
	}
	for _, entry := range b.Entries {
		err := entry.MarshalField(w, b.FullBox)
		if err != nil {
			return err
		}
	}
	return nil
}

// Unmarshal box from reader.
func (b *Trun) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	b.SampleCount = r.TryReadUint32()
	if b.FullBox.CheckFlag(TrunDataOffsetPresent) {
		b.DataOffset = int32(r.TryReadUint32())
	}
	if b.FullBox.CheckFlag(TrunFirstSampleFlagsPresent) {
		b.FirstSampleFlags = r.TryReadUint32()
	}
	var entry TrunEntry
	if err := checkEntries(r, b.SampleCount, entry.FieldSize(b.FullBox)); err != nil {
		return err
	}
	b.Entries = make([]TrunEntry, b.SampleCount)
	for i := range b.Entries {
		if err := b.Entries[i].UnmarshalField(r, b.FullBox); err != nil {
			return err
		}
	}
	return r.TryError
}

/*************************** udta ****************************/

// Udta is ISOBMFF udta box type.
type Udta struct{}

// Type returns the BoxType.
func (*Udta) Type() BoxType {
	return TypeUdta
}

// Size returns the marshaled size in bytes.
func (*Udta) Size() int {
	return 0
}

// Marshal is never called.
func (*Udta) Marshal(*bitio.Writer) error { return nil }

// Unmarshal is a no-op for containers.
func (*Udta) Unmarshal(*bitio.Reader) error { return nil }

/*************************** vmhd ****************************/

// Vmhd is ISOBMFF vmhd box type.
type Vmhd struct {
	FullBox
	Graphicsmode uint16    // template=0
	Opcolor      [3]uint16 // template={0, 0, 0}
}

// Type returns the BoxType.
func (*Vmhd) Type() BoxType {
	return TypeVmhd
}

// Size returns the marshaled size in bytes.
func (*Vmhd) Size() int {
	return 12
}

// Marshal box to writer.
func (b *Vmhd) Marshal(w *bitio.Writer) error {
	err := b.FullBox.MarshalField(w)
	if err != nil {
		return err
	}
	w.TryWriteUint16(b.Graphicsmode)
	for _, color := range b.Opcolor {
		w.TryWriteUint16(color)
	}
	return w.TryError
}

// Unmarshal box from reader.
func (b *Vmhd) Unmarshal(r *bitio.Reader) error {
	if err := b.FullBox.UnmarshalField(r); err != nil {
		return err
	}
	b.Graphicsmode = r.TryReadUint16()
	for i := range b.Opcolor {
		b.Opcolor[i] = r.TryReadUint16()
	}
	return r.TryError
}
