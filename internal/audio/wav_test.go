package audio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWAVHeader(t *testing.T) {
	pcm := []byte{0x00, 0x00, 0xE8, 0x03, 0x18, 0xFC}
	wav, err := EncodeWAVPCM16LE(pcm, 24000)
	require.NoError(t, err)
	require.Len(t, wav, 44+len(pcm))

	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, uint32(36+len(pcm)), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[22:24]))
	assert.Equal(t, uint32(24000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(48000), binary.LittleEndian.Uint32(wav[28:32]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, pcm, wav[44:])
}

func TestDecodeWAVRoundTrip(t *testing.T) {
	pcm := Bytes([]int16{0, 1000, -1000, 32767})
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	require.NoError(t, err)

	got, sr, err := DecodeWAVPCM16(wav)
	require.NoError(t, err)
	assert.Equal(t, 16000, sr)
	assert.Equal(t, pcm, got)
}

func TestDecodeWAVStereoDownmix(t *testing.T) {
	stereo := Bytes([]int16{1000, -1000, 3000, 1000})
	wav, err := EncodeWAVPCM16LE(stereo, 8000)
	require.NoError(t, err)
	// Patch channel count, byte rate and block align to describe stereo.
	binary.LittleEndian.PutUint16(wav[22:24], 2)
	binary.LittleEndian.PutUint32(wav[28:32], 8000*4)
	binary.LittleEndian.PutUint16(wav[32:34], 4)

	got, _, err := DecodeWAVPCM16(wav)
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 2000}, Samples(got))
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, _, err := DecodeWAVPCM16([]byte("not a wav file"))
	assert.ErrorIs(t, err, ErrInvalidWAV)
}

func TestWriteWAVFileCreatesDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sess", "turn-1-agent.wav")
	require.NoError(t, WriteWAVPCM16LEFile(path, []byte{1, 2}, 8000))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(46), info.Size())
}
