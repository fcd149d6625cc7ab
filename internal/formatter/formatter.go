// package formatter renders load results as CSV, Markdown, plain text or JSON files
package formatter

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

// Format is an export format accepted by [Write].
type Format string

const (
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "markdown"
	FormatText     Format = "txt"
)

// ParseFormat validates an export format name. An empty name selects JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatCSV, FormatMarkdown, FormatText:
		return Format(s), nil
	case "md":
		return FormatMarkdown, nil
	case "text":
		return FormatText, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q (json, csv, markdown, txt)", shared.ErrInvalidFlag, s)
	}
}

// FormatDuration renders milliseconds as m:ss or h:mm:ss.
func FormatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func trackDuration(info models.TrackInfo) string {
	if info.IsStream {
		return "LIVE"
	}
	return FormatDuration(info.Length)
}

// Title returns the playlist name of a playlist result, or a label describing the load type.
func Title(r *models.LoadResult) string {
	if data, ok := r.Data.(models.PlaylistData); ok && data.Info.Name != "" {
		return data.Info.Name
	}
	switch r.LoadType {
	case models.LoadTypeSearch:
		return "Search results"
	case models.LoadTypeTrack:
		return "Track"
	default:
		return fmt.Sprintf("%s result", r.LoadType)
	}
}

// ToCSV converts a load result to CSV with columns: Source, Identifier, Title, Author, Duration, ISRC, URI, Encoded
func ToCSV(r *models.LoadResult) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	headers := []string{"Source", "Identifier", "Title", "Author", "Duration", "ISRC", "URI", "Encoded"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, track := range r.Tracks() {
		record := []string{
			track.Info.SourceName,
			track.Info.Identifier,
			track.Info.Title,
			track.Info.Author,
			strconv.FormatInt(track.Info.Length, 10),
			models.Deref(track.Info.ISRC),
			models.Deref(track.Info.URI),
			track.Encoded,
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// ToMarkdown converts a load result to Markdown with an optional artwork image
func ToMarkdown(r *models.LoadResult, imageFilename string) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "# %s\n\n", Title(r))

	if imageFilename != "" {
		fmt.Fprintf(&buf, "![Artwork](%s)\n\n", imageFilename)
	}

	if exc, ok := r.Exception(); ok {
		fmt.Fprintf(&buf, "**Error** (%s): %s\n", exc.Severity, exc.Message)
		if exc.Cause != "" {
			fmt.Fprintf(&buf, "\n> %s\n", exc.Cause)
		}
		return buf.Bytes(), nil
	}

	tracks := r.Tracks()
	fmt.Fprintf(&buf, "**Load type**: %s\n", r.LoadType)
	fmt.Fprintf(&buf, "**Tracks**: %d\n\n", len(tracks))
	if len(tracks) == 0 {
		return buf.Bytes(), nil
	}

	buf.WriteString("## Tracks\n\n")
	for i, track := range tracks {
		title := track.Info.Title
		if uri := models.Deref(track.Info.URI); uri != "" {
			title = fmt.Sprintf("[%s](%s)", title, uri)
		}
		fmt.Fprintf(&buf, "%d. %s - %s [%s]\n", i+1, track.Info.Author, title, trackDuration(track.Info))
	}

	return buf.Bytes(), nil
}

// ToText converts a load result to plain text
func ToText(r *models.LoadResult) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%s (%s)\n", Title(r), r.LoadType)
	if exc, ok := r.Exception(); ok {
		fmt.Fprintf(&buf, "Error (%s): %s\n", exc.Severity, exc.Message)
		return buf.Bytes(), nil
	}

	tracks := r.Tracks()
	fmt.Fprintf(&buf, "Tracks: %d\n\n", len(tracks))
	for i, track := range tracks {
		fmt.Fprintf(&buf, "%d. %s - %s [%s] %s:%s\n",
			i+1, track.Info.Author, track.Info.Title, trackDuration(track.Info),
			track.Info.SourceName, track.Info.Identifier)
	}

	return buf.Bytes(), nil
}

// ToJSON indents v as JSON.
func ToJSON(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// DownloadImage downloads an image from the given URL and returns the raw bytes
func DownloadImage(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("empty URL provided")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: status %d", resp.StatusCode)
	}

	imageData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}

	return imageData, nil
}

// WriteCSV writes the CSV of r to path.
func WriteCSV(r *models.LoadResult, path string) (string, error) {
	data, err := ToCSV(r)
	if err != nil {
		return "", fmt.Errorf("failed to generate CSV: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write CSV file: %w", err)
	}
	return path, nil
}

// MarkdownResult contains the files created by [WriteMarkdown]
type MarkdownResult struct {
	Directory string
	Files     []string
	Artwork   string
}

// WriteMarkdown writes {dir}/README.md and, when the first track has artwork, {dir}/artwork.jpg.
//
// A failed artwork download is logged and the README is written without it.
func WriteMarkdown(ctx context.Context, client *http.Client, r *models.LoadResult, dir string) (*MarkdownResult, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	result := &MarkdownResult{Directory: dir, Files: []string{}}

	var imageFilename string
	if first, ok := r.First(); ok && first.Info.ArtworkURL != nil {
		imageData, err := DownloadImage(ctx, client, *first.Info.ArtworkURL)
		if err != nil {
			shared.NewLogger(os.Stderr).Warn("failed to download artwork", "error", err)
		} else {
			imageFilename = "artwork.jpg"
			imagePath := filepath.Join(dir, imageFilename)
			if err := os.WriteFile(imagePath, imageData, 0644); err != nil {
				shared.NewLogger(os.Stderr).Warn("failed to save artwork", "error", err)
				imageFilename = ""
			} else {
				result.Artwork = imagePath
				result.Files = append(result.Files, imagePath)
			}
		}
	}

	data, err := ToMarkdown(r, imageFilename)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Markdown: %w", err)
	}

	mdFile := filepath.Join(dir, "README.md")
	if err := os.WriteFile(mdFile, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write Markdown file: %w", err)
	}
	result.Files = append(result.Files, mdFile)

	return result, nil
}

// WriteText writes the plain text of r to path.
func WriteText(r *models.LoadResult, path string) (string, error) {
	data, err := ToText(r)
	if err != nil {
		return "", fmt.Errorf("failed to generate text: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write text file: %w", err)
	}
	return path, nil
}

// WriteJSON writes r as indented JSON to path.
func WriteJSON(v any, path string) (string, error) {
	data, err := ToJSON(v)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write JSON file: %w", err)
	}
	return path, nil
}

// Write exports r in format under base, which is a file path without extension
// (a directory for Markdown). It returns the files created.
func Write(ctx context.Context, client *http.Client, r *models.LoadResult, format Format, base string) ([]string, error) {
	switch format {
	case FormatCSV:
		path, err := WriteCSV(r, base+".csv")
		if err != nil {
			return nil, err
		}
		return []string{path}, nil
	case FormatMarkdown:
		res, err := WriteMarkdown(ctx, client, r, base)
		if err != nil {
			return nil, err
		}
		return res.Files, nil
	case FormatText:
		path, err := WriteText(r, base+".txt")
		if err != nil {
			return nil, err
		}
		return []string{path}, nil
	default:
		path, err := WriteJSON(r, base+".json")
		if err != nil {
			return nil, err
		}
		return []string{path}, nil
	}
}

// ManifestEntry is one identifier of a [Manifest].
type ManifestEntry struct {
	Identifier string          `json:"identifier"`
	LoadType   models.LoadType `json:"load_type,omitempty"`
	Tracks     int             `json:"tracks"`
	Files      []string        `json:"files,omitempty"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
}

// Manifest summarises a bulk load.
type Manifest struct {
	Format      Format          `json:"format"`
	GeneratedAt time.Time       `json:"generated_at"`
	Total       int             `json:"total"`
	Successful  int             `json:"successful"`
	Failed      int             `json:"failed"`
	Entries     []ManifestEntry `json:"entries"`
}

// WriteManifest writes m as indented JSON to path.
func WriteManifest(m Manifest, path string) error {
	if m.GeneratedAt.IsZero() {
		m.GeneratedAt = time.Now().UTC()
	}
	if _, err := WriteJSON(m, path); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
