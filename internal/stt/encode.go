package stt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

const flacBlockSize = 4096

// pcmToInts converts little-endian S16 bytes to samples.
func pcmToInts(pcm []byte) ([]int, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return samples, nil
}

// EncodeWAV wraps mono S16 PCM in a WAV container.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	samples, err := pcmToInts(pcm)
	if err != nil {
		return nil, err
	}
	var out memFile
	if err := writeWAV(&out, samples, sampleRate); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// WAVHeader returns a header for an open-ended mono S16 stream.
func WAVHeader(sampleRate int) ([]byte, error) {
	var out memFile
	if err := writeWAV(&out, nil, sampleRate); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func writeWAV(w io.WriteSeeker, samples []int, sampleRate int) error {
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// EncodeFLAC compresses mono S16 PCM losslessly; uploads are roughly half
// the size of WAV.
func EncodeFLAC(pcm []byte, sampleRate int) ([]byte, error) {
	samples, err := pcmToInts(pcm)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	info := &meta.StreamInfo{
		BlockSizeMin:  flacBlockSize,
		BlockSizeMax:  flacBlockSize,
		SampleRate:    uint32(sampleRate),
		NChannels:     1,
		BitsPerSample: 16,
		NSamples:      uint64(len(samples)),
	}
	enc, err := flac.NewEncoder(&buf, info)
	if err != nil {
		return nil, fmt.Errorf("creating flac encoder: %w", err)
	}
	for start := 0; start < len(samples); start += flacBlockSize {
		end := min(start+flacBlockSize, len(samples))
		block := make([]int32, end-start)
		for i, s := range samples[start:end] {
			block[i] = int32(s)
		}
		f := &frame.Frame{
			Header: frame.Header{
				BlockSize:     uint16(len(block)),
				SampleRate:    uint32(sampleRate),
				Channels:      frame.ChannelsMono,
				BitsPerSample: 16,
			},
			Subframes: []*frame.Subframe{{
				SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
				Samples:   block,
				NSamples:  len(block),
			}},
		}
		if err := enc.WriteFrame(f); err != nil {
			return nil, fmt.Errorf("writing flac frame: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing flac encoder: %w", err)
	}
	return buf.Bytes(), nil
}

// memFile is an in-memory io.WriteSeeker for the WAV encoder, which seeks
// back to patch chunk sizes on Close.
type memFile struct {
	buf []byte
	pos int
}

func (m *memFile) Write(p []byte) (int, error) {
	if need := m.pos + len(p); need > len(m.buf) {
		m.buf = append(m.buf, make([]byte, need-len(m.buf))...)
	}
	copy(m.buf[m.pos:], p)
	m.pos += len(p)
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var base int
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = m.pos
	case io.SeekEnd:
		base = len(m.buf)
	default:
		return 0, errors.New("invalid whence")
	}
	next := base + int(offset)
	if next < 0 {
		return 0, errors.New("negative position")
	}
	m.pos = next
	return int64(next), nil
}

func (m *memFile) Bytes() []byte {
	return m.buf
}
