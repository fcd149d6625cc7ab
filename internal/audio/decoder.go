package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"

	"github.com/desertthunder/waveline/internal/shared"
)

const (
	// SampleRate is the output rate of every pipeline.
	SampleRate beep.SampleRate = 48000
	// FrameSamples is the number of samples per channel in a 20 ms frame.
	FrameSamples = 960
	// FrameDuration is the length of one frame.
	FrameDuration = 20 * time.Millisecond

	pcmBytesPerMs = 48 * 2 * 2
)

// Stream is decoded audio. Streams that also implement beep.StreamSeeker are seeked in place.
type Stream interface {
	beep.Streamer
	Close() error
}

// Opener opens a playable URL or path at a start position.
type Opener interface {
	Open(ctx context.Context, uri string, startMs int64) (Stream, beep.Format, error)
}

// ResampleQuality maps LOW, MEDIUM and HIGH to beep resampler quality.
func ResampleQuality(name string) int {
	switch strings.ToUpper(name) {
	case "LOW":
		return 1
	case "HIGH":
		return 6
	default:
		return 3
	}
}

// Decoders opens mp3 files with beep/mp3 and everything else through ffmpeg.
type Decoders struct {
	Client      *http.Client
	FFmpegPath  string
	BufferBytes int
	Logger      *log.Logger
}

// NewDecoders creates decoders that buffer bufferDuration of PCM from ffmpeg.
func NewDecoders(client *http.Client, bufferDuration time.Duration, logger *log.Logger) *Decoders {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Decoders{
		Client:      client,
		FFmpegPath:  "ffmpeg",
		BufferBytes: max(int(bufferDuration.Milliseconds())*pcmBytesPerMs, 4096),
		Logger:      shared.WithLogger(logger, "component", "decoder"),
	}
}

// Open decodes uri starting at startMs.
func (d *Decoders) Open(ctx context.Context, uri string, startMs int64) (Stream, beep.Format, error) {
	if isMP3(uri) {
		s, format, err := d.openMP3(ctx, uri)
		if err == nil {
			if startMs > 0 {
				if err := seekMs(s, format, startMs); err != nil {
					s.Close()
					return d.openFFmpeg(ctx, uri, startMs)
				}
			}
			return s, format, nil
		}
		d.Logger.Debug("mp3 decode failed, falling back to ffmpeg", "uri", uri, "error", err)
	}
	return d.openFFmpeg(ctx, uri, startMs)
}

func isMP3(uri string) bool {
	p := uri
	if u, err := url.Parse(uri); err == nil && u.Scheme != "" && u.Scheme != "file" {
		p = u.Path
	}
	return strings.EqualFold(path.Ext(p), ".mp3")
}

func (d *Decoders) openMP3(ctx context.Context, uri string) (beep.StreamSeekCloser, beep.Format, error) {
	var rc io.ReadCloser
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, beep.Format{}, err
		}
		resp, err := d.Client.Do(req)
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, beep.Format{}, fmt.Errorf("%w: GET %s returned %d", shared.ErrAPIRequest, uri, resp.StatusCode)
		}
		rc = resp.Body
	} else {
		f, err := os.Open(strings.TrimPrefix(uri, "file://"))
		if err != nil {
			return nil, beep.Format{}, err
		}
		rc = f
	}

	s, format, err := mp3.Decode(rc)
	if err != nil {
		rc.Close()
		return nil, beep.Format{}, err
	}
	return s, format, nil
}

func seekMs(s beep.StreamSeeker, format beep.Format, ms int64) error {
	target := format.SampleRate.N(time.Duration(ms) * time.Millisecond)
	if n := s.Len(); n > 0 && target > n {
		target = n
	}
	return s.Seek(target)
}

func (d *Decoders) openFFmpeg(ctx context.Context, uri string, startMs int64) (Stream, beep.Format, error) {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if strings.HasPrefix(uri, "http") {
		args = append(args, "-reconnect", "1", "-reconnect_streamed", "1", "-reconnect_delay_max", "5")
	}
	if startMs > 0 {
		args = append(args, "-ss", strconv.FormatFloat(float64(startMs)/1000, 'f', 3, 64))
	}
	args = append(args, "-i", uri, "-f", "s16le", "-acodec", "pcm_s16le", "-ar", "48000", "-ac", "2", "-")

	cmd := exec.CommandContext(ctx, d.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, beep.Format{}, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	go d.logStderr(stderr)

	stream := &pcmStream{r: bufio.NewReaderSize(stdout, d.BufferBytes), closer: func() error {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return cmd.Wait()
	}}
	return stream, beep.Format{SampleRate: SampleRate, NumChannels: 2, Precision: 2}, nil
}

func (d *Decoders) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		d.Logger.Warn("ffmpeg", "line", scanner.Text())
	}
}

// pcmStream reads interleaved s16le stereo PCM.
type pcmStream struct {
	r      io.Reader
	closer func() error
	buf    []byte
	err    error
	closed bool
}

// NewPCMStream wraps a reader of 48 kHz s16le stereo PCM.
func NewPCMStream(r io.Reader) Stream {
	return &pcmStream{r: r}
}

func (p *pcmStream) Stream(samples [][2]float64) (int, bool) {
	if p.err != nil {
		return 0, false
	}
	need := len(samples) * 4
	if cap(p.buf) < need {
		p.buf = make([]byte, need)
	}
	buf := p.buf[:need]

	read, err := io.ReadFull(p.r, buf)
	n := read / 4
	for i := 0; i < n; i++ {
		l := int16(binary.LittleEndian.Uint16(buf[i*4:]))
		r := int16(binary.LittleEndian.Uint16(buf[i*4+2:]))
		samples[i][0] = float64(l) / 32768
		samples[i][1] = float64(r) / 32768
	}

	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			p.err = err
		} else {
			p.err = io.EOF
		}
	}
	return n, n > 0
}

func (p *pcmStream) Err() error {
	if errors.Is(p.err, io.EOF) {
		return nil
	}
	return p.err
}

func (p *pcmStream) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.closer != nil {
		return p.closer()
	}
	if c, ok := p.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
