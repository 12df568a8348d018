// Package audio decodes uploaded recordings into the PCM shape consumed by
// local speech models.
//
// Only RIFF/WAVE files carrying 16-bit integer PCM are understood. Other
// containers should be sent to a transcription backend that accepts them
// directly (whisper-server or the OpenAI API).
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ErrUnsupportedFormat is returned when the input is not 16-bit PCM WAV.
var ErrUnsupportedFormat = errors.New("audio: unsupported format")

const formatPCM = 1

// Clip is a decoded block of interleaved 16-bit little-endian PCM.
type Clip struct {
	Format

	// Data holds the raw interleaved samples.
	Data []byte
}

// Duration returns the playback length of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.Data) / (2 * c.Channels)
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// ReadWAVFile opens path and decodes it with [DecodeWAV].
func ReadWAVFile(path string) (Clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Clip{}, fmt.Errorf("audio: read %q: %w", path, err)
	}
	return DecodeWAV(bytes.NewReader(data))
}

// DecodeWAV parses a RIFF/WAVE stream. Chunks other than "fmt " and "data"
// are skipped. The data chunk is truncated to a whole number of frames.
func DecodeWAV(r io.Reader) (Clip, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Clip{}, fmt.Errorf("audio: read riff header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return Clip{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUnsupportedFormat)
	}

	var (
		clip    Clip
		haveFmt bool
	)
	for {
		var ch [8]byte
		if _, err := io.ReadFull(r, ch[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Clip{}, fmt.Errorf("%w: no data chunk", ErrUnsupportedFormat)
			}
			return Clip{}, fmt.Errorf("audio: read chunk header: %w", err)
		}
		id := string(ch[0:4])
		size := int64(binary.LittleEndian.Uint32(ch[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return Clip{}, fmt.Errorf("%w: fmt chunk too short", ErrUnsupportedFormat)
			}
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return Clip{}, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			audioFormat := binary.LittleEndian.Uint16(buf[0:2])
			bits := binary.LittleEndian.Uint16(buf[14:16])
			if audioFormat == 0xFFFE && size >= 26 {
				// WAVE_FORMAT_EXTENSIBLE: the sub-format GUID starts with the real tag.
				audioFormat = binary.LittleEndian.Uint16(buf[24:26])
			}
			if audioFormat != formatPCM || bits != 16 {
				return Clip{}, fmt.Errorf("%w: format tag %d, %d bits", ErrUnsupportedFormat, audioFormat, bits)
			}
			clip.Channels = int(binary.LittleEndian.Uint16(buf[2:4]))
			clip.SampleRate = int(binary.LittleEndian.Uint32(buf[4:8]))
			if clip.Channels <= 0 || clip.SampleRate <= 0 {
				return Clip{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, clip.Format)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Clip{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrUnsupportedFormat)
			}
			data, err := io.ReadAll(io.LimitReader(r, size))
			if err != nil {
				return Clip{}, fmt.Errorf("audio: read data chunk: %w", err)
			}
			frame := 2 * clip.Channels
			clip.Data = data[:len(data)-len(data)%frame]
			return clip, nil
		default:
			// Chunks are word aligned.
			skip := size + size%2
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return Clip{}, fmt.Errorf("audio: skip %q chunk: %w", id, err)
			}
			continue
		}
		if size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return Clip{}, fmt.Errorf("audio: skip pad byte: %w", err)
			}
		}
	}
}

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container.
func EncodeWAV(pcm []byte, f Format) []byte {
	const bps = 16
	byteRate := f.SampleRate * f.Channels * bps / 8
	blockAlign := f.Channels * bps / 8

	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], formatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bps)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}
