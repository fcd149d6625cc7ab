package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/faiface/beep/mp3"

	"github.com/desertthunder/waveline/internal/codec"
	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

// LocalSource plays files from the node's filesystem.
type LocalSource struct {
	logger *log.Logger
}

// NewLocalSource creates the local file source.
func NewLocalSource(logger *log.Logger) *LocalSource {
	return &LocalSource{logger: sourceLogger(logger, "local")}
}

// Name returns the source name.
func (l *LocalSource) Name() string {
	return "local"
}

// SearchPrefixes returns nothing; local files cannot be searched.
func (l *LocalSource) SearchPrefixes() []string {
	return nil
}

// CanLoad reports whether identifier names an existing regular file.
func (l *LocalSource) CanLoad(identifier string) bool {
	if strings.Contains(identifier, "://") {
		return false
	}
	fi, err := os.Stat(identifier)
	return err == nil && fi.Mode().IsRegular()
}

// Load returns a track for the file. MP3 durations are measured by decoding frame headers;
// other formats have an unknown length.
func (l *LocalSource) Load(_ context.Context, identifier string) (*models.LoadResult, error) {
	abs, err := filepath.Abs(identifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
	}

	var length int64
	if strings.EqualFold(filepath.Ext(abs), ".mp3") {
		length, err = mp3Duration(abs)
		if err != nil {
			return nil, shared.Friendly("Failed to read the local file.", err)
		}
	}

	base := filepath.Base(abs)
	track, err := codec.NewTrack(models.TrackInfo{
		Identifier: abs,
		Title:      strings.TrimSuffix(base, filepath.Ext(base)),
		Author:     "Unknown artist",
		Length:     length,
		URI:        models.StringPtr(abs),
		SourceName: l.Name(),
	})
	if err != nil {
		return nil, err
	}
	return models.TrackResult(track), nil
}

// Search is unsupported.
func (l *LocalSource) Search(context.Context, string) (*models.LoadResult, error) {
	return models.EmptyResult(), nil
}

// StreamURL returns the file path.
func (l *LocalSource) StreamURL(_ context.Context, info models.TrackInfo) (string, error) {
	return info.Identifier, nil
}

// mp3Duration returns the duration of an mp3 file in milliseconds.
func mp3Duration(p string) (int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, err
	}

	streamer, format, err := mp3.Decode(f)
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to decode mp3: %w", err)
	}
	defer streamer.Close()

	return format.SampleRate.D(streamer.Len()).Milliseconds(), nil
}
