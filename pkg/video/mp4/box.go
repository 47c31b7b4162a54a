package mp4

import (
	"encoding/binary"
	"errors"
	"fmt"

	"osdburn/pkg/video/mp4/bitio"
)

// ErrContainerFormat is returned for malformed or missing boxes.
var ErrContainerFormat = errors.New("container format error")

// BoxType is mpeg box type.
type BoxType [4]byte

func (t BoxType) String() string {
	return string(t[:])
}

// ImmutableBoxes is slice of ImmutableBox.
type ImmutableBoxes []ImmutableBox

// ImmutableBox is common interface of box.
type ImmutableBox interface {
	// Type returns the BoxType.
	Type() BoxType

	// Size returns the marshaled size in bytes.
	// The size must be known before marshaling
	// since the box header contains the size.
	Size() int

	// Marshal box to writer.
	Marshal(w *bitio.Writer) error
}

// Box is a box that can be both written and read.
type Box interface {
	ImmutableBox

	// Unmarshal box payload, excluding the header and any children.
	Unmarshal(r *bitio.Reader) error
}

// Boxes is a structure of boxes that can be marshaled together.
type Boxes struct {
	Box      ImmutableBox
	Children []Boxes
}

// Size returns the total size of the box including children.
func (b *Boxes) Size() int {
	total := b.Box.Size() + 8
	for _, child := range b.Children {
		total += child.Size()
	}
	return total
}

// Marshal box including children.
func (b *Boxes) Marshal(w *bitio.Writer) error {
	size := b.Size()

	err := writeBoxInfo(w, uint32(size), b.Box.Type())
	if err != nil {
		return err
	}

	if b.Box.Size() != 0 {
		err := b.Box.Marshal(w)
		if err != nil {
			return err
		}
	}

	for _, child := range b.Children {
		err := child.Marshal(w)
		if err != nil {
			return err
		}
	}
	return nil
}

func writeBoxInfo(w *bitio.Writer, size uint32, typ BoxType) error {
	w.TryWriteUint32(size)
	w.TryWrite(typ[:])
	return w.TryError
}

// WriteSingleBox write a single box.
func WriteSingleBox(w *bitio.Writer, b ImmutableBox) (int, error) {
	size := 8 + b.Size()

	err := writeBoxInfo(w, uint32(size), b.Type())
	if err != nil {
		return 0, err
	}

	// The size of a empty box is 8 bytes.
	if size != 8 {
		err := b.Marshal(w)
		if err != nil {
			return 0, err
		}
	}
	return size, nil
}

// Marshal ImmutableBoxes to writer.
func (boxes ImmutableBoxes) Marshal(w *bitio.Writer) error {
	for _, b := range boxes {
		if _, err := WriteSingleBox(w, b); err != nil {
			return err
		}
	}
	return nil
}

// Size combined size of boxes.
func (boxes ImmutableBoxes) Size() int {
	var n int
	for _, b := range boxes {
		n += 8
		n += b.Size()
	}
	return n
}

// Header sizes.
const (
	HeaderSize      = 8
	LargeHeaderSize = 16
)

// Header is a parsed box header.
type Header struct {
	Type BoxType

	// Size is the total box size including the header.
	// Zero means the box extends to the end of its parent.
	Size uint64

	HeaderSize int
}

// PayloadSize returns the size of the box without the header.
func (h Header) PayloadSize() uint64 {
	return h.Size - uint64(h.HeaderSize)
}

// ParseHeader parses a box header from the start of buf.
// buf must hold at least 16 bytes when the box uses the 64-bit size form.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short box header", ErrContainerFormat)
	}
	h := Header{HeaderSize: HeaderSize}
	copy(h.Type[:], buf[4:8])

	size := binary.BigEndian.Uint32(buf)
	switch size {
	case 0:
		return h, nil
	case 1:
		if len(buf) < LargeHeaderSize {
			return Header{}, fmt.Errorf("%w: short largesize header: %v", ErrContainerFormat, h.Type)
		}
		h.HeaderSize = LargeHeaderSize
		h.Size = binary.BigEndian.Uint64(buf[8:])
	default:
		h.Size = uint64(size)
	}

	if h.Size < uint64(h.HeaderSize) {
		return Header{}, fmt.Errorf("%w: invalid box size %d: %v", ErrContainerFormat, h.Size, h.Type)
	}
	return h, nil
}

// Unknown is a box without a registered decoder, kept as opaque bytes.
type Unknown struct {
	BoxType BoxType
	Data    []byte
}

// Type returns the BoxType.
func (b *Unknown) Type() BoxType {
	return b.BoxType
}

// Size returns the marshaled size in bytes.
func (b *Unknown) Size() int {
	return len(b.Data)
}

// Marshal box to writer.
func (b *Unknown) Marshal(w *bitio.Writer) error {
	_, err := w.Write(b.Data)
	return err
}

// Unmarshal box from reader.
func (b *Unknown) Unmarshal(r *bitio.Reader) error {
	b.Data = r.TryReadBytes(r.Remaining())
	return r.TryError
}

// Node is a parsed box and its children.
type Node struct {
	Box      Box
	Children []*Node

	// Offset of the box header from the start of the parsed buffer.
	Offset int64
	Header Header
}

// Type returns the box type.
func (n *Node) Type() BoxType {
	return n.Box.Type()
}

// Child returns the first direct child of the given type.
func (n *Node) Child(typ BoxType) *Node {
	for _, c := range n.Children {
		if c.Type() == typ {
			return c
		}
	}
	return nil
}

// Find follows path from n and returns the first match.
func (n *Node) Find(path ...BoxType) *Node {
	cur := n
	for _, typ := range path {
		cur = cur.Child(typ)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// FindAll returns all direct children of the given type.
func (n *Node) FindAll(typ BoxType) []*Node {
	var nodes []*Node
	for _, c := range n.Children {
		if c.Type() == typ {
			nodes = append(nodes, c)
		}
	}
	return nodes
}

// Boxes converts the tree back into marshalable boxes.
func (n *Node) Boxes() Boxes {
	b := Boxes{Box: n.Box}
	for _, c := range n.Children {
		b.Children = append(b.Children, c.Boxes())
	}
	return b
}

// FindNode returns the first top level node of the given type.
func FindNode(nodes []*Node, typ BoxType) *Node {
	for _, n := range nodes {
		if n.Type() == typ {
			return n
		}
	}
	return nil
}

// ReadTree parses every box in buf.
func ReadTree(buf []byte) ([]*Node, error) {
	return readTree(buf, 0)
}

func readTree(buf []byte, base int64) ([]*Node, error) {
	var nodes []*Node
	var pos int
	for pos < len(buf) {
		// QuickTime ends some containers with a 32-bit zero terminator.
		if len(buf)-pos < HeaderSize && allZero(buf[pos:]) {
			break
		}
		h, err := ParseHeader(buf[pos:])
		if err != nil {
			return nil, err
		}
		if h.Size == 0 {
			h.Size = uint64(len(buf) - pos)
		}
		if h.Size > uint64(len(buf)-pos) {
			return nil, fmt.Errorf("%w: box %v overruns parent: size %d, %d bytes left",
				ErrContainerFormat, h.Type, h.Size, len(buf)-pos)
		}

		payload := buf[pos+h.HeaderSize : pos+int(h.Size)]
		node, err := decodeBox(h, payload, base+int64(pos))
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
		pos += int(h.Size)
	}
	return nodes, nil
}

func allZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

func decodeBox(h Header, payload []byte, offset int64) (*Node, error) {
	var box Box
	if newBox, ok := boxDecoders[h.Type]; ok {
		box = newBox()
	} else {
		box = &Unknown{BoxType: h.Type}
	}

	r := bitio.NewReader(payload)
	if err := box.Unmarshal(r); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrContainerFormat, h.Type, err)
	}
	node := &Node{Box: box, Offset: offset, Header: h}

	if !hasChildren[h.Type] {
		return node, nil
	}
	consumed := len(payload) - r.Remaining()
	children, err := readTree(payload[consumed:], offset+int64(h.HeaderSize+consumed))
	if err != nil {
		return nil, err
	}
	node.Children = children
	return node, nil
}

// Box types.
var (
	TypeAvc1 = BoxType{'a', 'v', 'c', '1'}
	TypeAvcC = BoxType{'a', 'v', 'c', 'C'}
	TypeCo64 = BoxType{'c', 'o', '6', '4'}
	TypeCtts = BoxType{'c', 't', 't', 's'}
	TypeDinf = BoxType{'d', 'i', 'n', 'f'}
	TypeDref = BoxType{'d', 'r', 'e', 'f'}
	TypeEdts = BoxType{'e', 'd', 't', 's'}
	TypeElst = BoxType{'e', 'l', 's', 't'}
	TypeFree = BoxType{'f', 'r', 'e', 'e'}
	TypeFtyp = BoxType{'f', 't', 'y', 'p'}
	TypeHdlr = BoxType{'h', 'd', 'l', 'r'}
	TypeMdat = BoxType{'m', 'd', 'a', 't'}
	TypeMdhd = BoxType{'m', 'd', 'h', 'd'}
	TypeMdia = BoxType{'m', 'd', 'i', 'a'}
	TypeMfhd = BoxType{'m', 'f', 'h', 'd'}
	TypeMinf = BoxType{'m', 'i', 'n', 'f'}
	TypeMoof = BoxType{'m', 'o', 'o', 'f'}
	TypeMoov = BoxType{'m', 'o', 'o', 'v'}
	TypeMvex = BoxType{'m', 'v', 'e', 'x'}
	TypeMvhd = BoxType{'m', 'v', 'h', 'd'}
	TypeStbl = BoxType{'s', 't', 'b', 'l'}
	TypeStco = BoxType{'s', 't', 'c', 'o'}
	TypeStsc = BoxType{'s', 't', 's', 'c'}
	TypeStsd = BoxType{'s', 't', 's', 'd'}
	TypeStss = BoxType{'s', 't', 's', 's'}
	TypeStsz = BoxType{'s', 't', 's', 'z'}
	TypeStts = BoxType{'s', 't', 't', 's'}
	TypeTfdt = BoxType{'t', 'f', 'd', 't'}
	TypeTfhd = BoxType{'t', 'f', 'h', 'd'}
	TypeTkhd = BoxType{'t', 'k', 'h', 'd'}
	TypeTraf = BoxType{'t', 'r', 'a', 'f'}
	TypeTrak = BoxType{'t', 'r', 'a', 'k'}
	TypeTrex = BoxType{'t', 'r', 'e', 'x'}
	TypeTrun = BoxType{'t', 'r', 'u', 'n'}
	TypeUdta = BoxType{'u', 'd', 't', 'a'}
	TypeURL  = BoxType{'u', 'r', 'l', ' '}
	TypeVmhd = BoxType{'v', 'm', 'h', 'd'}
)

var boxDecoders = map[BoxType]func() Box{
	TypeAvc1: func() Box { return &Avc1{} },
	TypeAvcC: func() Box { return &AvcC{} },
	TypeCo64: func() Box { return &Co64{} },
	TypeCtts: func() Box { return &Ctts{} },
	TypeDinf: func() Box { return &Dinf{} },
	TypeDref: func() Box { return &Dref{} },
	TypeEdts: func() Box { return &Edts{} },
	TypeElst: func() Box { return &Elst{} },
	TypeFree: func() Box { return &Free{} },
	TypeFtyp: func() Box { return &Ftyp{} },
	TypeHdlr: func() Box { return &Hdlr{} },
	TypeMdat: func() Box { return &Mdat{} },
	TypeMdhd: func() Box { return &Mdhd{} },
	TypeMdia: func() Box { return &Mdia{} },
	TypeMfhd: func() Box { return &Mfhd{} },
	TypeMinf: func() Box { return &Minf{} },
	TypeMoof: func() Box { return &Moof{} },
	TypeMoov: func() Box { return &Moov{} },
	TypeMvex: func() Box { return &Mvex{} },
	TypeMvhd: func() Box { return &Mvhd{} },
	TypeStbl: func() Box { return &Stbl{} },
	TypeStco: func() Box { return &Stco{} },
	TypeStsc: func() Box { return &Stsc{} },
	TypeStsd: func() Box { return &Stsd{} },
	TypeStss: func() Box { return &Stss{} },
	TypeStsz: func() Box { return &Stsz{} },
	TypeStts: func() Box { return &Stts{} },
	TypeTfdt: func() Box { return &Tfdt{} },
	TypeTfhd: func() Box { return &Tfhd{} },
	TypeTkhd: func() Box { return &Tkhd{} },
	TypeTraf: func() Box { return &Traf{} },
	TypeTrak: func() Box { return &Trak{} },
	TypeTrex: func() Box { return &Trex{} },
	TypeTrun: func() Box { return &Trun{} },
	TypeUdta: func() Box { return &Udta{} },
	TypeURL:  func() Box { return &URL{} },
	TypeVmhd: func() Box { return &Vmhd{} },
}

// Boxes whose payload continues with child boxes after any fixed fields.
var hasChildren = map[BoxType]bool{
	TypeAvc1: true,
	TypeDinf: true,
	TypeDref: true,
	TypeEdts: true,
	TypeMdia: true,
	TypeMinf: true,
	TypeMoof: true,
	TypeMoov: true,
	TypeMvex: true,
	TypeStbl: true,
	TypeStsd: true,
	TypeTraf: true,
	TypeTrak: true,
	TypeUdta: true,
}
