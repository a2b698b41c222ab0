package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var ErrInvalidWAV = errors.New("invalid wav")

// wavHeader is the canonical 44-byte RIFF/WAVE header for PCM16 mono.
type wavHeader struct {
	RIFF          [4]byte
	RIFFSize      uint32
	WAVE          [4]byte
	FmtID         [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataID        [4]byte
	DataSize      uint32
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes pcm as a WAV file, creating parent directories.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create wav dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAVPCM16LETo(f, pcm, sampleRate); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteWAVPCM16LETo writes a minimal mono 16-bit WAV stream to out.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	dataSize := uint32(len(pcm))
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		RIFFSize:      36 + dataSize,
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		FmtID:         [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1, // PCM
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * BytesPerSample),
		BlockAlign:    BytesPerSample,
		BitsPerSample: 16,
		DataID:        [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}

	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAVPCM16 extracts mono PCM16LE samples and the sample rate from a WAV
// container. Multi-channel input is averaged down to mono.
func DecodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		haveFmt    bool
		format     uint16
		channels   uint16
		sampleRate int
		bits       uint16
		pcm        []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("%w: chunk %q overflows", ErrInvalidWAV, id)
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			format = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bits = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcm = chunk
		}
		off += size + size%2
	}
	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("%w: fmt chunk missing", ErrInvalidWAV)
	case format != 1:
		return nil, 0, fmt.Errorf("%w: unsupported audio format %d", ErrInvalidWAV, format)
	case bits != 16:
		return nil, 0, fmt.Errorf("%w: unsupported bits_per_sample %d", ErrInvalidWAV, bits)
	case channels == 0:
		return nil, 0, fmt.Errorf("%w: zero channels", ErrInvalidWAV)
	}

	if channels == 1 {
		out := make([]byte, len(pcm)&^1)
		copy(out, pcm)
		return out, sampleRate, nil
	}

	frame := int(channels) * BytesPerSample
	frames := len(pcm) / frame
	mono := make([]byte, frames*BytesPerSample)
	for i := 0; i < frames; i++ {
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			at := i*frame + ch*BytesPerSample
			sum += int(int16(binary.LittleEndian.Uint16(pcm[at:])))
		}
		binary.LittleEndian.PutUint16(mono[i*BytesPerSample:], uint16(int16(sum/int(channels))))
	}
	return mono, sampleRate, nil
}
