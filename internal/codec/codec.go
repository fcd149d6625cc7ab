// package codec implements the base64 encoded track format exchanged with clients.
//
// A message is an int32 header holding the body size in its low 30 bits and flags in the top two,
// followed by the body. When the versioned flag is set the body starts with a version byte;
// otherwise the body is version 1. All integers are big endian and strings are a uint16 byte
// length followed by UTF-8.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

const (
	// Version is the version written by [Encode].
	Version = 3

	flagVersioned = 1
	sizeMask      = 0x3FFFFFFF
)

// Encode serializes info at [Version].
func Encode(info models.TrackInfo) (string, error) {
	w := &writer{}
	w.byte(Version)
	w.utf(info.Title)
	w.utf(info.Author)
	w.int64(info.Length)
	w.utf(info.Identifier)
	w.bool(info.IsStream)
	w.nullableUTF(info.URI)
	w.nullableUTF(info.ArtworkURL)
	w.nullableUTF(info.ISRC)
	w.utf(info.SourceName)
	w.int64(info.Position)

	if w.err != nil {
		return "", w.err
	}

	body := w.buf.Bytes()
	if len(body) > sizeMask {
		return "", fmt.Errorf("%w: track body too large", shared.ErrInvalidTrack)
	}

	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body))|flagVersioned<<30)
	copy(out[4:], body)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decode parses an encoded track written at version 1, 2 or 3.
func Decode(encoded string) (models.TrackInfo, error) {
	var info models.TrackInfo

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return info, fmt.Errorf("%w: %v", shared.ErrInvalidTrack, err)
	}
	if len(raw) < 4 {
		return info, fmt.Errorf("%w: missing header", shared.ErrInvalidTrack)
	}

	header := binary.BigEndian.Uint32(raw)
	flags := header >> 30
	size := int(header & sizeMask)
	if size > len(raw)-4 {
		return info, fmt.Errorf("%w: declared size %d exceeds %d bytes", shared.ErrInvalidTrack, size, len(raw)-4)
	}

	r := &reader{r: bytes.NewReader(raw[4 : 4+size])}

	version := 1
	if flags&flagVersioned != 0 {
		version = int(r.byte())
	}
	if r.err == nil && (version < 1 || version > Version) {
		return info, fmt.Errorf("%w: unsupported version %d", shared.ErrInvalidTrack, version)
	}

	info.Title = r.utf()
	info.Author = r.utf()
	info.Length = r.int64()
	info.Identifier = r.utf()
	info.IsStream = r.bool()
	if version >= 2 {
		info.URI = r.nullableUTF()
	}
	if version >= 3 {
		info.ArtworkURL = r.nullableUTF()
		info.ISRC = r.nullableUTF()
	}
	info.SourceName = r.utf()
	info.Position = r.int64()
	info.IsSeekable = !info.IsStream

	if r.err != nil {
		return models.TrackInfo{}, fmt.Errorf("%w: %v", shared.ErrInvalidTrack, r.err)
	}

	return info, nil
}

// NewTrack builds a [models.Track] with its encoded form filled in.
func NewTrack(info models.TrackInfo) (models.Track, error) {
	info.IsSeekable = !info.IsStream
	encoded, err := Encode(info)
	if err != nil {
		return models.Track{}, err
	}
	return models.Track{
		Encoded:    encoded,
		Info:       info,
		PluginInfo: map[string]any{},
		UserData:   map[string]any{},
	}, nil
}

// DecodeTrack decodes encoded into a [models.Track] that keeps the original encoded string.
func DecodeTrack(encoded string) (models.Track, error) {
	info, err := Decode(encoded)
	if err != nil {
		return models.Track{}, err
	}
	return models.Track{
		Encoded:    encoded,
		Info:       info,
		PluginInfo: map[string]any{},
		UserData:   map[string]any{},
	}, nil
}

type writer struct {
	buf bytes.Buffer
	err error
}

func (w *writer) byte(b byte) {
	w.buf.WriteByte(b)
}

func (w *writer) bool(v bool) {
	if v {
		w.byte(1)
	} else {
		w.byte(0)
	}
}

func (w *writer) int64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.buf.Write(b[:])
}

func (w *writer) utf(s string) {
	if len(s) > math.MaxUint16 {
		if w.err == nil {
			w.err = fmt.Errorf("%w: string of %d bytes exceeds %d", shared.ErrInvalidTrack, len(s), math.MaxUint16)
		}
		return
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(s)))
	w.buf.Write(b[:])
	w.buf.WriteString(s)
}

func (w *writer) nullableUTF(s *string) {
	w.bool(s != nil)
	if s != nil {
		w.utf(*s)
	}
}

// reader records the first error and returns zero values afterwards.
type reader struct {
	r   *bytes.Reader
	err error
}

func (r *reader) read(n int) []byte {
	if r.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = fmt.Errorf("truncated data: %w", err)
		return nil
	}
	return b
}

func (r *reader) byte() byte {
	b := r.read(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) bool() bool {
	return r.byte() != 0
}

func (r *reader) int64() int64 {
	b := r.read(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *reader) utf() string {
	b := r.read(2)
	if b == nil {
		return ""
	}
	s := r.read(int(binary.BigEndian.Uint16(b)))
	if s == nil {
		return ""
	}
	return string(s)
}

func (r *reader) nullableUTF() *string {
	if !r.bool() {
		return nil
	}
	s := r.utf()
	if r.err != nil {
		return nil
	}
	return &s
}
