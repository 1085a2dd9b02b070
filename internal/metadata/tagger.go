package metadata

import (
	"fmt"
	"strconv"

	"github.com/bogem/id3v2/v2"
	"go.uber.org/zap"

	"github.com/musicplayer/musicplayer-go/internal/store"
)

// Tagger writes ID3v2.4 tags into downloaded media before it is committed.
type Tagger struct {
	logger *zap.Logger
}

// Tags is the subset of frames the tagger writes and reads back.
type Tags struct {
	Title      string
	Artist     string
	Album      string
	Genre      string
	DurationMs int64
	HasCover   bool
}

// NewTagger creates a tagger.
func NewTagger(logger *zap.Logger) *Tagger {
	return &Tagger{logger: logger}
}

// Apply writes the catalog metadata of track into the file at path. A
// non-empty cover is embedded as the front cover picture.
func (t *Tagger) Apply(path string, track *store.Track, cover []byte) error {
	if track == nil {
		return fmt.Errorf("track cannot be nil")
	}

	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("failed to open media file: %w", err)
	}
	defer tag.Close()

	tag.SetVersion(4)
	tag.SetDefaultEncoding(id3v2.EncodingUTF8)

	if track.Title != "" {
		tag.SetTitle(track.Title)
	}
	if track.Artist != "" {
		tag.SetArtist(track.Artist)
	}
	if track.Album != "" {
		tag.SetAlbum(track.Album)
	}
	if track.Tags != "" {
		tag.SetGenre(track.Tags)
	}
	if track.DurationMs > 0 {
		tag.DeleteFrames("TLEN")
		tag.AddTextFrame("TLEN", id3v2.EncodingUTF8, strconv.FormatInt(track.DurationMs, 10))
	}

	if len(cover) > 0 {
		tag.DeleteFrames(tag.CommonID("Attached picture"))
		tag.AddAttachedPicture(id3v2.PictureFrame{
			Encoding:    id3v2.EncodingUTF8,
			MimeType:    "image/jpeg",
			PictureType: id3v2.PTFrontCover,
			Description: "Front Cover",
			Picture:     cover,
		})
	}

	if err := tag.Save(); err != nil {
		return fmt.Errorf("failed to save tags: %w", err)
	}

	t.logger.Debug("Tagged media file",
		zap.String("track_id", track.ID),
		zap.String("path", path),
		zap.Bool("cover", len(cover) > 0))
	return nil
}

// Read returns the tags currently stored in the file at path.
func (t *Tagger) Read(path string) (*Tags, error) {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open media file: %w", err)
	}
	defer tag.Close()

	tags := &Tags{
		Title:    tag.Title(),
		Artist:   tag.Artist(),
		Album:    tag.Album(),
		Genre:    tag.Genre(),
		HasCover: len(tag.GetFrames(tag.CommonID("Attached picture"))) > 0,
	}
	if tf, ok := tag.GetLastFrame("TLEN").(id3v2.TextFrame); ok {
		if ms, err := strconv.ParseInt(tf.Text, 10, 64); err == nil {
			tags.DurationMs = ms
		}
	}
	return tags, nil
}
