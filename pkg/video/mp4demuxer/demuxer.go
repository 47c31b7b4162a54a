// Package mp4demuxer reads the video track of a finished mp4 file.
package mp4demuxer

import (
	"errors"
	"fmt"
	"io"

	"osdburn/pkg/video/mp4"
)

// Errors.
var (
	ErrSampleRange   = errors.New("sample index out of range")
	ErrTrackNotFound = errors.New("track not found")
)

// Sample is a single entry in the sample table.
type Sample struct {
	Index  uint32
	Offset uint64
	Size   uint32
	IsSync bool

	// Decode timestamp in media timescale units.
	DTS uint64
}

// TrackInfo describes the video track.
type TrackInfo struct {
	TrackID uint32

	// Coded size from the sample entry.
	Width  int
	Height int

	// Media timescale and duration.
	Timescale uint32
	Duration  uint64

	// Movie timescale and duration.
	MovieTimescale uint32
	MovieDuration  uint64

	SampleCount int

	// Combined payload size of all mdat boxes.
	MediaDataSize uint64

	AvcC *mp4.AvcC

	// Description is the raw AVCDecoderConfigurationRecord.
	Description []byte
}

// CodecString returns the RFC 6381 codec string, "avc1.PPCCLL".
func (i TrackInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02x%02x%02x",
		i.AvcC.Profile, i.AvcC.ProfileCompatibility, i.AvcC.Level)
}

// Reader reads samples from a mp4 file without loading the media data.
type Reader struct {
	in       io.ReaderAt
	fileSize int64

	info    TrackInfo
	samples []Sample
}

// Open walks the top level boxes, loads the moov box and builds the
// sample table of the first video track.
func Open(in io.ReaderAt, fileSize int64) (*Reader, error) {
	var moov []byte
	var mdatSize uint64

	var pos int64
	for pos < fileSize {
		h, err := readHeader(in, pos, fileSize)
		if err != nil {
			return nil, err
		}
		end := pos + int64(h.Size)
		if h.Size > uint64(fileSize-pos) {
			return nil, fmt.Errorf("%w: %v box at %d overruns file: size %d, file size %d",
				mp4.ErrContainerFormat, h.Type, pos, h.Size, fileSize)
		}

		switch h.Type {
		case mp4.TypeMoov:
			moov = make([]byte, h.Size)
			if _, err := in.ReadAt(moov, pos); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("read moov: %w", err)
			}
		case mp4.TypeMdat:
			mdatSize += h.PayloadSize()
		}
		pos = end
	}

	if moov == nil {
		return nil, fmt.Errorf("%w: missing moov", mp4.ErrContainerFormat)
	}
	nodes, err := mp4.ReadTree(moov)
	if err != nil {
		return nil, fmt.Errorf("parse moov: %w", err)
	}

	r := &Reader{
		in:       in,
		fileSize: fileSize,
	}
	if err := r.parseMoov(nodes[0], moov); err != nil {
		return nil, err
	}
	r.info.MediaDataSize = mdatSize

	return r, nil
}

func readHeader(in io.ReaderAt, pos int64, fileSize int64) (mp4.Header, error) {
	n := int64(mp4.LargeHeaderSize)
	if fileSize-pos < n {
		n = fileSize - pos
	}
	buf := make([]byte, n)
	if _, err := in.ReadAt(buf, pos); err != nil && !errors.Is(err, io.EOF) {
		return mp4.Header{}, fmt.Errorf("read box header: %w", err)
	}

	h, err := mp4.ParseHeader(buf)
	if err != nil {
		return mp4.Header{}, fmt.Errorf("box at %d: %w", pos, err)
	}
	if h.Size == 0 {
		h.Size = uint64(fileSize - pos)
	}
	return h, nil
}

func missing(path string) error {
	return fmt.Errorf("%w: missing %v", mp4.ErrContainerFormat, path)
}

func (r *Reader) parseMoov(moov *mp4.Node, buf []byte) error { //nolint:funlen
	mvhd := moov.Child(mp4.TypeMvhd)
	if mvhd == nil {
		return missing("mvhd")
	}

	trak := findVideoTrak(moov)
	if trak == nil {
		return fmt.Errorf("%w: no video track", mp4.ErrContainerFormat)
	}
	tkhd := trak.Child(mp4.TypeTkhd)
	if tkhd == nil {
		return missing("tkhd")
	}
	mdhd := trak.Find(mp4.TypeMdia, mp4.TypeMdhd)
	if mdhd == nil {
		return missing("mdhd")
	}
	stbl := trak.Find(mp4.TypeMdia, mp4.TypeMinf, mp4.TypeStbl)
	if stbl == nil {
		return missing("stbl")
	}
	avc1 := stbl.Find(mp4.TypeStsd, mp4.TypeAvc1)
	if avc1 == nil {
		return missing("stsd/avc1")
	}
	avcC := avc1.Child(mp4.TypeAvcC)
	if avcC == nil {
		return missing("avcC")
	}
	stsz := stbl.Child(mp4.TypeStsz)
	if stsz == nil {
		return missing("stsz")
	}

	mvhdBox := mvhd.Box.(*mp4.Mvhd)
	tkhdBox := tkhd.Box.(*mp4.Tkhd)
	mdhdBox := mdhd.Box.(*mp4.Mdhd)
	avc1Box := avc1.Box.(*mp4.Avc1)

	start := avcC.Offset + int64(avcC.Header.HeaderSize)
	end := avcC.Offset + int64(avcC.Header.Size)
	description := make([]byte, end-start)
	copy(description, buf[start:end])

	width, height := int(avc1Box.Width), int(avc1Box.Height)
	if width == 0 || height == 0 {
		width, height = int(tkhdBox.Width>>16), int(tkhdBox.Height>>16)
	}
	if mdhdBox.Timescale == 0 {
		return fmt.Errorf("%w: zero media timescale", mp4.ErrContainerFormat)
	}

	r.info = TrackInfo{
		TrackID:        tkhdBox.TrackID,
		Width:          width,
		Height:         height,
		Timescale:      mdhdBox.Timescale,
		Duration:       mdhdBox.Duration(),
		MovieTimescale: mvhdBox.Timescale,
		MovieDuration:  mvhdBox.Duration(),
		AvcC:           avcC.Box.(*mp4.AvcC),
		Description:    description,
	}

	samples, err := r.buildSampleTable(stbl)
	if err != nil {
		return err
	}
	r.samples = samples
	r.info.SampleCount = len(samples)
	return nil
}

func findVideoTrak(moov *mp4.Node) *mp4.Node {
	for _, trak := range moov.FindAll(mp4.TypeTrak) {
		hdlr := trak.Find(mp4.TypeMdia, mp4.TypeHdlr)
		if hdlr == nil {
			continue
		}
		if hdlr.Box.(*mp4.Hdlr).HandlerType == [4]byte{'v', 'i', 'd', 'e'} {
			return trak
		}
	}
	return nil
}

func chunkOffsets(stbl *mp4.Node) ([]uint64, error) {
	if stco := stbl.Child(mp4.TypeStco); stco != nil {
		offsets32 := stco.Box.(*mp4.Stco).ChunkOffset
		offsets := make([]uint64, len(offsets32))
		for i, o := range offsets32 {
			offsets[i] = uint64(o)
		}
		return offsets, nil
	}
	if co64 := stbl.Child(mp4.TypeCo64); co64 != nil {
		return co64.Box.(*mp4.Co64).ChunkOffset, nil
	}
	return nil, missing("stco or co64")
}

func (r *Reader) buildSampleTable(stbl *mp4.Node) ([]Sample, error) { //nolint:funlen
	stsz := stbl.Child(mp4.TypeStsz).Box.(*mp4.Stsz)
	count := int(stsz.SampleCount)
	if stsz.SampleSize == 0 && len(stsz.EntrySize) != count {
		return nil, fmt.Errorf("%w: stsz has %d entries for %d samples",
			mp4.ErrContainerFormat, len(stsz.EntrySize), count)
	}

	if stsz.SampleSize != 0 && uint64(count)*uint64(stsz.SampleSize) > uint64(r.fileSize) {
		return nil, fmt.Errorf("%w: %d samples of %d bytes overrun file size %d",
			mp4.ErrContainerFormat, count, stsz.SampleSize, r.fileSize)
	}

	offsets, err := chunkOffsets(stbl)
	if err != nil {
		return nil, err
	}

	var stscEntries []mp4.StscEntry
	if stsc := stbl.Child(mp4.TypeStsc); stsc != nil {
		stscEntries = stsc.Box.(*mp4.Stsc).Entries
	}
	if count > 0 && len(stscEntries) == 0 {
		return nil, missing("stsc")
	}

	samples := make([]Sample, count)
	index := 0
	for i, entry := range stscEntries {
		if entry.FirstChunk == 0 || int(entry.FirstChunk) > len(offsets) {
			return nil, fmt.Errorf("%w: stsc first chunk %d, %d chunks",
				mp4.ErrContainerFormat, entry.FirstChunk, len(offsets))
		}
		lastChunk := len(offsets)
		if i+1 < len(stscEntries) {
			next := int(stscEntries[i+1].FirstChunk)
			if next <= int(entry.FirstChunk) {
				return nil, fmt.Errorf("%w: stsc entries not increasing", mp4.ErrContainerFormat)
			}
			lastChunk = next - 1
		}

		for chunk := int(entry.FirstChunk); chunk <= lastChunk; chunk++ {
			offset := offsets[chunk-1]
			for k := uint32(0); k < entry.SamplesPerChunk && index < count; k++ {
				size := stsz.SizeOf(index)
				samples[index] = Sample{
					Index:  uint32(index),
					Offset: offset,
					Size:   size,
				}
				offset += uint64(size)
				index++
			}
		}
	}
	if index != count {
		return nil, fmt.Errorf("%w: chunks cover %d of %d samples",
			mp4.ErrContainerFormat, index, count)
	}

	for _, s := range samples {
		if s.Offset+uint64(s.Size) > uint64(r.fileSize) {
			return nil, fmt.Errorf("%w: sample %d at %d size %d overruns file size %d",
				mp4.ErrContainerFormat, s.Index, s.Offset, s.Size, r.fileSize)
		}
	}

	if err := markSyncSamples(stbl, samples); err != nil {
		return nil, err
	}
	setTimestamps(stbl, samples)

	return samples, nil
}

// markSyncSamples sets IsSync from stss. Without stss only the
// first sample is treated as a sync sample.
func markSyncSamples(stbl *mp4.Node, samples []Sample) error {
	stss := stbl.Child(mp4.TypeStss)
	if stss == nil {
		if len(samples) != 0 {
			samples[0].IsSync = true
		}
		return nil
	}
	for _, number := range stss.Box.(*mp4.Stss).SampleNumber {
		if number == 0 || int(number) > len(samples) {
			return fmt.Errorf("%w: stss sample number %d, %d samples",
				mp4.ErrContainerFormat, number, len(samples))
		}
		samples[number-1].IsSync = true
	}
	return nil
}

func setTimestamps(stbl *mp4.Node, samples []Sample) {
	stts := stbl.Child(mp4.TypeStts)
	if stts == nil {
		return
	}
	var dts uint64
	index := 0
	for _, entry := range stts.Box.(*mp4.Stts).Entries {
		for k := uint32(0); k < entry.SampleCount && index < len(samples); k++ {
			samples[index].DTS = dts
			dts += uint64(entry.SampleDelta)
			index++
		}
	}
}

// Info returns the video track info.
func (r *Reader) Info() TrackInfo {
	return r.info
}

// SampleCount returns the number of samples in the video track.
func (r *Reader) SampleCount() int {
	return len(r.samples)
}

// SampleTable returns a copy of the sample table.
// Only a single video track is supported, trackIndex must be zero.
func (r *Reader) SampleTable(trackIndex int) ([]Sample, error) {
	if trackIndex != 0 {
		return nil, fmt.Errorf("%w: %d", ErrTrackNotFound, trackIndex)
	}
	samples := make([]Sample, len(r.samples))
	copy(samples, r.samples)
	return samples, nil
}

// Sample returns the sample table entry at index.
func (r *Reader) Sample(index int) (Sample, error) {
	if index < 0 || index >= len(r.samples) {
		return Sample{}, fmt.Errorf("%w: %d, sample count %d",
			ErrSampleRange, index, len(r.samples))
	}
	return r.samples[index], nil
}

// ReadSample reads the data of a single sample.
func (r *Reader) ReadSample(index int) ([]byte, error) {
	s, err := r.Sample(index)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, s.Size)
	n, err := r.in.ReadAt(buf, int64(s.Offset))
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("read sample %d: %w", index, err)
}

// IsSync reports if the sample at index is a sync sample.
func (r *Reader) IsSync(index int) bool {
	if index < 0 || index >= len(r.samples) {
		return false
	}
	return r.samples[index].IsSync
}

// TinySamples returns the indices of samples at or below threshold bytes.
func (r *Reader) TinySamples(threshold int) []int {
	var tiny []int
	for i, s := range r.samples {
		if int(s.Size) <= threshold {
			tiny = append(tiny, i)
		}
	}
	return tiny
}
