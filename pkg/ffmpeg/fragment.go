// Copyright 2020-2021 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package ffmpeg

import (
	"errors"
	"fmt"
	"io"

	"osdburn/pkg/video/codec"
	"osdburn/pkg/video/h264"
	"osdburn/pkg/video/mp4"
	"osdburn/pkg/video/mp4muxer"
)

// maxBoxSize limits memory used by a single box from the process.
const maxBoxSize = 256 * 1024 * 1024

// Fragment errors.
var (
	ErrFragmentFormat = errors.New("invalid fragment")
	ErrMissingInit    = errors.New("fragment before init segment")
)

// fragmentReader splits a fragmented mp4 stream into chunks.
type fragmentReader struct {
	r io.Reader

	description []byte
	pendingDesc bool

	// NAL unit length prefix size from the avcC.
	lengthSize int

	moofSize   int
	sizes      []uint32
	dataOffset int
	hasOffset  bool
}

func newFragmentReader(r io.Reader) *fragmentReader {
	return &fragmentReader{r: r}
}

// readBox reads one complete top level box including the header.
func (f *fragmentReader) readBox() ([]byte, mp4.Header, error) {
	buf := make([]byte, mp4.LargeHeaderSize)
	if _, err := io.ReadFull(f.r, buf[:mp4.HeaderSize]); err != nil {
		return nil, mp4.Header{}, err
	}
	if buf[0] == 0 && buf[1] == 0 && buf[2] == 0 && buf[3] == 1 {
		if _, err := io.ReadFull(f.r, buf[mp4.HeaderSize:]); err != nil {
			return nil, mp4.Header{}, fmt.Errorf("%w: %w", ErrFragmentFormat, err)
		}
	} else {
		buf = buf[:mp4.HeaderSize]
	}

	h, err := mp4.ParseHeader(buf)
	if err != nil {
		return nil, mp4.Header{}, err
	}
	if h.Size == 0 {
		return nil, mp4.Header{}, fmt.Errorf("%w: unbounded box: %v", ErrFragmentFormat, h.Type)
	}
	if h.Size > maxBoxSize {
		return nil, mp4.Header{}, fmt.Errorf("%w: box too large: %v %d", ErrFragmentFormat, h.Type, h.Size)
	}

	box := make([]byte, h.Size)
	copy(box, buf)
	if _, err := io.ReadFull(f.r, box[len(buf):]); err != nil {
		return nil, mp4.Header{}, fmt.Errorf("%w: %v: %w", ErrFragmentFormat, h.Type, err)
	}
	return box, h, nil
}

// next reads boxes until a mdat box completes a fragment.
// Returns io.EOF at the end of the stream.
func (f *fragmentReader) next() ([]*codec.Chunk, error) {
	for {
		box, h, err := f.readBox()
		if err != nil {
			return nil, err
		}

		switch h.Type {
		case mp4.TypeMoov:
			if err := f.readInit(box); err != nil {
				return nil, err
			}
		case mp4.TypeMoof:
			if err := f.readMoof(box); err != nil {
				return nil, err
			}
		case mp4.TypeMdat:
			return f.split(box[h.HeaderSize:], h.HeaderSize)
		}
	}
}

func (f *fragmentReader) readInit(box []byte) error {
	nodes, err := mp4.ReadTree(box)
	if err != nil {
		return err
	}
	avcCNode := nodes[0].Find(
		mp4.TypeTrak, mp4.TypeMdia, mp4.TypeMinf,
		mp4.TypeStbl, mp4.TypeStsd, mp4.TypeAvc1, mp4.TypeAvcC)
	if avcCNode == nil {
		return fmt.Errorf("%w: init segment without avcC", ErrFragmentFormat)
	}
	avcC := avcCNode.Box.(*mp4.AvcC)
	desc, err := mp4muxer.DescriptionFromAvcC(avcC)
	if err != nil {
		return err
	}
	f.description = desc
	f.lengthSize = int(avcC.LengthSizeMinusOne) + 1
	f.pendingDesc = true
	return nil
}

func (f *fragmentReader) readMoof(box []byte) error {
	nodes, err := mp4.ReadTree(box)
	if err != nil {
		return err
	}
	f.moofSize = len(box)
	f.sizes = f.sizes[:0]
	f.hasOffset = false

	for _, traf := range nodes[0].FindAll(mp4.TypeTraf) {
		var defaultSize uint32
		if n := traf.Child(mp4.TypeTfhd); n != nil {
			tfhd := n.Box.(*mp4.Tfhd)
			if tfhd.CheckFlag(mp4.TfhdDefaultSampleSizePresent) {
				defaultSize = tfhd.DefaultSampleSize
			}
		}
		for _, n := range traf.FindAll(mp4.TypeTrun) {
			trun := n.Box.(*mp4.Trun)
			if !f.hasOffset && trun.CheckFlag(mp4.TrunDataOffsetPresent) {
				f.dataOffset = int(trun.DataOffset)
				f.hasOffset = true
			}
			for _, entry := range trun.Entries {
				size := defaultSize
				if trun.CheckFlag(mp4.TrunSampleSizePresent) {
					size = entry.SampleSize
				}
				f.sizes = append(f.sizes, size)
			}
		}
	}
	if len(f.sizes) == 0 {
		return fmt.Errorf("%w: moof without samples", ErrFragmentFormat)
	}
	return nil
}

// split cuts the mdat payload into the samples of the previous moof.
func (f *fragmentReader) split(payload []byte, headerSize int) ([]*codec.Chunk, error) {
	if f.description == nil {
		return nil, ErrMissingInit
	}
	if len(f.sizes) == 0 {
		return nil, fmt.Errorf("%w: mdat without moof", ErrFragmentFormat)
	}

	// Data offsets are relative to the start of the moof box.
	pos := 0
	if f.hasOffset {
		pos = f.dataOffset - f.moofSize - headerSize
		if pos < 0 || pos > len(payload) {
			return nil, fmt.Errorf("%w: data offset %d out of range", ErrFragmentFormat, f.dataOffset)
		}
	}

	chunks := make([]*codec.Chunk, 0, len(f.sizes))
	for _, size := range f.sizes {
		end := pos + int(size)
		if end > len(payload) {
			return nil, fmt.Errorf("%w: sample overruns mdat", ErrFragmentFormat)
		}
		data := payload[pos:end]
		pos = end

		nalus, err := h264.AVCCUnmarshal(data, f.lengthSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFragmentFormat, err)
		}
		chunk := &codec.Chunk{
			Data:       data,
			IsKeyframe: h264.IDRPresent(nalus),
		}
		if f.pendingDesc {
			chunk.Description = f.description
			f.pendingDesc = false
		}
		chunks = append(chunks, chunk)
	}
	f.sizes = f.sizes[:0]
	return chunks, nil
}
