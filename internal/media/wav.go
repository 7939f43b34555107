// Package media, arayan tarafın ses akışını taşıyan WebSocket ağ geçidini ve
// WAV/PCM dönüşümlerini içerir.
package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidWAV, veri geçerli bir WAV dosyası değilse döner.
var ErrInvalidWAV = errors.New("geçersiz WAV verisi")

// Format, PCM verisinin biçimidir.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// IsWAV, verinin RIFF/WAVE başlığıyla başlayıp başlamadığını söyler.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// PCMFromWAV, WAV verisini 16 bit little-endian mono PCM'e çevirir. Çok
// kanallı dosyalarda yalnızca ilk kanal alınır.
func PCMFromWAV(data []byte) ([]byte, Format, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, Format{}, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("WAV çözümlenemedi: %w", err)
	}

	channels := int(dec.NumChans)
	if channels < 1 {
		channels = 1
	}
	depth := int(dec.BitDepth)
	pcm := make([]byte, 0, len(buf.Data)/channels*2)
	for i := 0; i < len(buf.Data); i += channels {
		pcm = binary.LittleEndian.AppendUint16(pcm, uint16(to16(buf.Data[i], depth)))
	}
	return pcm, Format{SampleRate: int(dec.SampleRate), Channels: 1, BitDepth: 16}, nil
}

func to16(s, depth int) int16 {
	switch depth {
	case 8:
		return int16((s - 128) << 8)
	case 24:
		return int16(s >> 8)
	case 32:
		return int16(s >> 16)
	default:
		return int16(s)
	}
}

// EncodeWAV, 16 bit mono PCM veriyi WAV olarak w'ye yazar.
func EncodeWAV(w io.WriteSeeker, pcm []byte, sampleRate int) error {
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("WAV yazılamadı: %w", err)
	}
	return enc.Close()
}
