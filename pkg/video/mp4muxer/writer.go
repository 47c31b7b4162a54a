// Package mp4muxer writes a single H264 track into a progressive mp4 file.
package mp4muxer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"

	"osdburn/pkg/video/h264"
	"osdburn/pkg/video/mp4"
	"osdburn/pkg/video/mp4/bitio"
)

// ErrWriterState the writer was used out of order.
var ErrWriterState = errors.New("writer state")

// Defaults used when SetTiming isn't called, 60 fps.
const (
	DefaultTimescale   = 90000
	DefaultSampleDelta = 1500
)

const (
	videoTrackID   = 1
	movieTimescale = 1000
)

var unityMatrix = [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

// Writer streams samples into the mdat box and writes the
// moov box when closed. The mdat size is patched afterwards.
type Writer struct {
	dst io.WriteSeeker
	bw  *bufio.Writer
	out *bitio.Writer

	start         int64
	mdatHeaderPos int64

	description []byte
	avcC        *mp4.AvcC
	width       int
	height      int
	timescale   uint32
	sampleDelta uint32

	sizes        []uint32
	syncSamples  []uint32
	chunkOffsets []uint64
	chunkSizes   []uint32

	done bool
}

// NewWriter writes the ftyp box and a mdat header placeholder to dst.
func NewWriter(dst io.WriteSeeker) (*Writer, error) {
	start, err := dst.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("seek: %w", err)
	}

	bw := bufio.NewWriter(dst)
	w := &Writer{
		dst:         dst,
		bw:          bw,
		out:         bitio.NewWriter(bw),
		start:       start,
		timescale:   DefaultTimescale,
		sampleDelta: DefaultSampleDelta,
	}

	ftyp := &mp4.Ftyp{
		MajorBrand:   [4]byte{'i', 's', 'o', 'm'},
		MinorVersion: 512,
		CompatibleBrands: []mp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'i', 's', 'o', 'm'}},
			{CompatibleBrand: [4]byte{'i', 's', 'o', '2'}},
			{CompatibleBrand: [4]byte{'a', 'v', 'c', '1'}},
			{CompatibleBrand: [4]byte{'m', 'p', '4', '1'}},
		},
	}
	if _, err := mp4.WriteSingleBox(w.out, ftyp); err != nil {
		return nil, fmt.Errorf("write ftyp: %w", err)
	}

	// Largesize form so the file can grow past 4GB.
	w.mdatHeaderPos = w.pos()
	w.out.TryWriteUint32(1)
	w.out.TryWrite(mp4.TypeMdat[:])
	w.out.TryWriteUint64(0)
	if w.out.TryError != nil {
		return nil, fmt.Errorf("write mdat header: %w", w.out.TryError)
	}
	return w, nil
}

func (w *Writer) pos() int64 {
	return w.start + w.out.Written()
}

// SetDisplaySize sets the track size. Defaults to the SPS size.
func (w *Writer) SetDisplaySize(width int, height int) {
	w.width = width
	w.height = height
}

// SetTiming sets the media timescale and the duration of every sample.
func (w *Writer) SetTiming(timescale uint32, sampleDelta uint32) {
	w.timescale = timescale
	w.sampleDelta = sampleDelta
}

// SetCodecConfiguration sets the AVCDecoderConfigurationRecord
// of the track. It must be called before the first sample.
func (w *Writer) SetCodecConfiguration(description []byte) error {
	if w.done || len(w.sizes) != 0 {
		return fmt.Errorf("%w: codec configuration after first sample", ErrWriterState)
	}
	avcC, err := mp4.ParseAvcC(description)
	if err != nil {
		return err
	}
	w.avcC = avcC
	w.description = append([]byte(nil), description...)
	return nil
}

// CodecString returns the codec string of the written track.
func (w *Writer) CodecString() string {
	if w.avcC == nil {
		return ""
	}
	return CodecString(w.avcC)
}

// WriteSample appends a sample and returns its index.
func (w *Writer) WriteSample(data []byte, isKeyframe bool) (int, error) {
	if w.done {
		return 0, fmt.Errorf("%w: write after close", ErrWriterState)
	}
	if w.avcC == nil {
		return 0, fmt.Errorf("%w: write before codec configuration", ErrWriterState)
	}
	if uint64(len(data)) > math.MaxUint32 {
		return 0, fmt.Errorf("sample too large: %d", len(data))
	}

	// Every keyframe starts a new chunk.
	if isKeyframe || len(w.chunkOffsets) == 0 {
		w.chunkOffsets = append(w.chunkOffsets, uint64(w.pos()))
		w.chunkSizes = append(w.chunkSizes, 0)
	}

	if _, err := w.out.Write(data); err != nil {
		return 0, fmt.Errorf("write sample: %w", err)
	}

	w.chunkSizes[len(w.chunkSizes)-1]++
	w.sizes = append(w.sizes, uint32(len(data)))
	if isKeyframe {
		w.syncSamples = append(w.syncSamples, uint32(len(w.sizes)))
	}
	return len(w.sizes) - 1, nil
}

// SampleCount returns the number of samples written.
func (w *Writer) SampleCount() int {
	return len(w.sizes)
}

// Close writes the moov box, patches the mdat size and closes
// the destination if it's an io.Closer.
func (w *Writer) Close() error {
	if w.done {
		return fmt.Errorf("%w: already closed", ErrWriterState)
	}
	w.done = true

	err := w.finalize()
	if cerr := w.closeDst(); err == nil {
		err = cerr
	}
	return err
}

func (w *Writer) finalize() error {
	if w.avcC == nil {
		return fmt.Errorf("%w: close before codec configuration", ErrWriterState)
	}
	mdatEnd := w.pos()

	moov, err := w.generateMoov()
	if err != nil {
		return err
	}
	if err := moov.Marshal(w.out); err != nil {
		return fmt.Errorf("write moov: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	if _, err := w.dst.Seek(w.mdatHeaderPos+8, io.SeekStart); err != nil {
		return fmt.Errorf("seek mdat size: %w", err)
	}
	size := uint64(mdatEnd - w.mdatHeaderPos)
	b := []byte{
		byte(size >> 56), byte(size >> 48), byte(size >> 40), byte(size >> 32),
		byte(size >> 24), byte(size >> 16), byte(size >> 8), byte(size),
	}
	if _, err := w.dst.Write(b); err != nil {
		return fmt.Errorf("patch mdat size: %w", err)
	}
	if _, err := w.dst.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek end: %w", err)
	}
	return nil
}

// Abort closes the destination without writing the moov box.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.closeDst()
}

func (w *Writer) closeDst() error {
	if c, ok := w.dst.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (w *Writer) displaySize() (int, int) {
	if w.width != 0 && w.height != 0 {
		return w.width, w.height
	}
	if len(w.avcC.SequenceParameterSets) != 0 {
		var sps h264.SPS
		if err := sps.Unmarshal(w.avcC.SequenceParameterSets[0].NALUnit); err == nil {
			return sps.Width(), sps.Height()
		}
	}
	return w.width, w.height
}

func (w *Writer) generateMoov() (mp4.Boxes, error) {
	/*
	   moov
	   - mvhd
	   - trak
	*/

	duration := uint64(len(w.sizes)) * uint64(w.sampleDelta)
	var movieDuration uint64
	if w.timescale != 0 {
		movieDuration = duration * movieTimescale / uint64(w.timescale)
	}

	trak, err := w.generateTrak(duration, movieDuration)
	if err != nil {
		return mp4.Boxes{}, err
	}

	mvhd := &mp4.Mvhd{
		Timescale:   movieTimescale,
		Rate:        65536,
		Volume:      256,
		Matrix:      unityMatrix,
		NextTrackID: videoTrackID + 1,
	}
	if movieDuration > math.MaxUint32 {
		mvhd.Version = 1
		mvhd.DurationV1 = movieDuration
	} else {
		mvhd.DurationV0 = uint32(movieDuration)
	}

	return mp4.Boxes{
		Box: &mp4.Moov{},
		Children: []mp4.Boxes{
			{Box: mvhd},
			trak,
		},
	}, nil
}

func (w *Writer) generateTrak(duration uint64, movieDuration uint64) (mp4.Boxes, error) {
	/*
	   trak
	   - tkhd
	   - mdia
	     - mdhd
	     - hdlr
	     - minf
	*/

	width, height := w.displaySize()

	tkhd := &mp4.Tkhd{
		FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 3}},
		TrackID: videoTrackID,
		Matrix:  unityMatrix,
		Width:   uint32(width * 65536),
		Height:  uint32(height * 65536),
	}
	mdhd := &mp4.Mdhd{
		Timescale: w.timescale,
		Language:  [3]byte{'u', 'n', 'd'},
	}
	if duration > math.MaxUint32 || movieDuration > math.MaxUint32 {
		tkhd.Version = 1
		tkhd.DurationV1 = movieDuration
		mdhd.Version = 1
		mdhd.DurationV1 = duration
	} else {
		tkhd.DurationV0 = uint32(movieDuration)
		mdhd.DurationV0 = uint32(duration)
	}

	stbl, err := w.generateStbl(width, height)
	if err != nil {
		return mp4.Boxes{}, err
	}

	return mp4.Boxes{
		Box: &mp4.Trak{},
		Children: []mp4.Boxes{
			{Box: tkhd},
			{
				Box: &mp4.Mdia{},
				Children: []mp4.Boxes{
					{Box: mdhd},
					{Box: &mp4.Hdlr{
						HandlerType: [4]byte{'v', 'i', 'd', 'e'},
						Name:        "VideoHandler",
					}},
					{
						Box: &mp4.Minf{},
						Children: []mp4.Boxes{
							{Box: &mp4.Vmhd{FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}}}},
							{
								Box: &mp4.Dinf{},
								Children: []mp4.Boxes{
									{
										Box: &mp4.Dref{EntryCount: 1},
										Children: []mp4.Boxes{
											{Box: &mp4.URL{
												FullBox: mp4.FullBox{Flags: [3]byte{0, 0, mp4.URLSelfContained}},
											}},
										},
									},
								},
							},
							stbl,
						},
					},
				},
			},
		},
	}, nil
}

func (w *Writer) generateStbl(width int, height int) (mp4.Boxes, error) {
	/*
	   stbl
	   - stsd
	     - avc1
	       - avcC
	   - stts
	   - stss
	   - stsc
	   - stsz
	   - stco | co64
	*/

	if width > math.MaxUint16 || height > math.MaxUint16 {
		return mp4.Boxes{}, fmt.Errorf("%w: display size %dx%d", ErrWriterState, width, height)
	}

	stsd := mp4.Boxes{
		Box: &mp4.Stsd{EntryCount: 1},
		Children: []mp4.Boxes{{
			Box: &mp4.Avc1{
				SampleEntry:     mp4.SampleEntry{DataReferenceIndex: 1},
				Width:           uint16(width),
				Height:          uint16(height),
				Horizresolution: 4718592,
				Vertresolution:  4718592,
				FrameCount:      1,
				Depth:           24,
				PreDefined3:     -1,
			},
			Children: []mp4.Boxes{
				{Box: &mp4.Unknown{BoxType: mp4.TypeAvcC, Data: w.description}},
			},
		}},
	}

	var stts []mp4.SttsEntry
	if len(w.sizes) != 0 {
		stts = []mp4.SttsEntry{{
			SampleCount: uint32(len(w.sizes)),
			SampleDelta: w.sampleDelta,
		}}
	}

	return mp4.Boxes{
		Box: &mp4.Stbl{},
		Children: []mp4.Boxes{
			stsd,
			{Box: &mp4.Stts{
				EntryCount: uint32(len(stts)),
				Entries:    stts,
			}},
			{Box: &mp4.Stss{
				EntryCount:   uint32(len(w.syncSamples)),
				SampleNumber: w.syncSamples,
			}},
			{Box: w.generateStsc()},
			{Box: &mp4.Stsz{
				SampleCount: uint32(len(w.sizes)),
				EntrySize:   w.sizes,
			}},
			{Box: w.generateChunkOffsets()},
		},
	}, nil
}

// generateStsc run-length encodes the samples per chunk.
func (w *Writer) generateStsc() *mp4.Stsc {
	var entries []mp4.StscEntry
	for i, n := range w.chunkSizes {
		if len(entries) > 0 && entries[len(entries)-1].SamplesPerChunk == n {
			continue
		}
		entries = append(entries, mp4.StscEntry{
			FirstChunk:             uint32(i + 1),
			SamplesPerChunk:        n,
			SampleDescriptionIndex: 1,
		})
	}
	return &mp4.Stsc{
		EntryCount: uint32(len(entries)),
		Entries:    entries,
	}
}

func (w *Writer) generateChunkOffsets() mp4.ImmutableBox {
	for _, off := range w.chunkOffsets {
		if off > math.MaxUint32 {
			return &mp4.Co64{
				EntryCount:  uint32(len(w.chunkOffsets)),
				ChunkOffset: w.chunkOffsets,
			}
		}
	}

	offsets := make([]uint32, len(w.chunkOffsets))
	for i, off := range w.chunkOffsets {
		offsets[i] = uint32(off)
	}
	return &mp4.Stco{
		EntryCount:  uint32(len(offsets)),
		ChunkOffset: offsets,
	}
}
