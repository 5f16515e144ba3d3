package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bogem/id3v2"

	ioutils "github.com/handiism/media-enhancer/internal/io"
	"github.com/handiism/media-enhancer/internal/model"
)

// ParameterPrefix prefixes the TXXX descriptions that record the
// enhancement parameters, e.g. "ENHANCEMENT loudness_target_level".
const ParameterPrefix = "ENHANCEMENT "

// copiedTextFrames are the text frames carried from a source file to its
// result.
var copiedTextFrames = []string{
	"TIT2", // Title
	"TPE1", // Lead artist
	"TPE2", // Album artist
	"TALB", // Album
	"TYER", // Year (ID3v2.3)
	"TDRC", // Recording time (ID3v2.4)
	"TRCK", // Track number
	"TPOS", // Disc number
	"TCON", // Genre
	"TCOM", // Composer
}

// TagConfig controls what Tagger writes onto a result.
//
// Example:
//
//	cfg := &TagConfig{
//	    CopyText:         true, // title, artist, album... from the source
//	    CopyArtwork:      true, // embedded cover, downscaled
//	    ArtworkMaxSize:   1000,
//	    RecordParameters: true, // TXXX frames with the enhancement request
//	}
type TagConfig struct {
	// CopyText copies the text frames listed in copiedTextFrames plus
	// unsynchronised lyrics.
	CopyText bool

	// CopyArtwork copies the first attached picture.
	CopyArtwork bool

	// ArtworkMaxSize bounds the copied picture's width and height in
	// pixels. Zero keeps its size.
	ArtworkMaxSize int

	// RecordParameters adds one TXXX frame per enhancement parameter.
	RecordParameters bool
}

// DefaultTagConfig returns the default tag configuration.
func DefaultTagConfig() *TagConfig {
	return &TagConfig{
		CopyText:         true,
		CopyArtwork:      true,
		ArtworkMaxSize:   1000,
		RecordParameters: true,
	}
}

// Tagger writes ID3 tags onto enhanced MP3 results.
//
// The enhancement service returns bare audio, so a result loses the
// metadata of the file it was made from. Tagger restores it from the
// source file and notes how the result was produced.
//
// Example:
//
//	tagger := NewTagger(DefaultTagConfig())
//	tagged, err := tagger.TagResult(ctx, result, req)
//	if err != nil {
//	    log.Printf("Failed to tag %s: %v", result.Path, err)
//	}
type Tagger struct {
	config *TagConfig
	images *ioutils.ImageService
}

// NewTagger creates a new Tagger with the given configuration.
//
// If config is nil, DefaultTagConfig() is used.
func NewTagger(config *TagConfig) *Tagger {
	if config == nil {
		config = DefaultTagConfig()
	}
	return &Tagger{config: config, images: ioutils.NewImageService()}
}

// Supported reports whether the result at path can carry ID3 tags.
func Supported(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".mp3")
}

// TagResult writes tags onto result.Path. It returns false without error
// when the result is not an MP3.
//
// This method:
//  1. Reads the source file's tag, if the source is known and has one
//  2. Copies text frames and artwork according to TagConfig
//  3. Records the enhancement parameters
//  4. Saves the result's tag in place
func (t *Tagger) TagResult(ctx context.Context, result model.Result, req model.EnhancementRequest) (bool, error) {
	if !Supported(result.Path) {
		return false, nil
	}

	tag, err := id3v2.Open(result.Path, id3v2.Options{Parse: true})
	if err != nil {
		return false, fmt.Errorf("open %s: %w", result.Path, err)
	}
	defer tag.Close()

	if result.SourcePath != "" && (t.config.CopyText || t.config.CopyArtwork) {
		source, err := openSourceTag(result.SourcePath)
		if err != nil {
			return false, err
		}
		if source != nil {
			if t.config.CopyText {
				copyTextFrames(tag, source)
			}
			if t.config.CopyArtwork {
				t.copyArtwork(ctx, tag, source)
			}
			source.Close()
		}
	}

	if t.config.RecordParameters {
		recordParameters(tag, req)
	}

	if err := tag.Save(); err != nil {
		return false, fmt.Errorf("save tags %s: %w", result.Path, err)
	}
	return true, nil
}

// openSourceTag returns nil when the source has no ID3 tag or no longer
// exists.
func openSourceTag(path string) (*id3v2.Tag, error) {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read source tags %s: %w", path, err)
	}
	if tag.Count() == 0 {
		tag.Close()
		return nil, nil
	}
	return tag, nil
}

func copyTextFrames(dst, src *id3v2.Tag) {
	for _, id := range copiedTextFrames {
		if text := src.GetTextFrame(id).Text; text != "" {
			dst.AddTextFrame(id, id3v2.EncodingUTF8, text)
		}
	}

	lyricsID := src.CommonID("Unsynchronised lyrics/text transcription")
	for _, f := range src.GetFrames(lyricsID) {
		if uslf, ok := f.(id3v2.UnsynchronisedLyricsFrame); ok {
			dst.AddUnsynchronisedLyricsFrame(uslf)
		}
	}
}

// copyArtwork embeds the source's first picture as the result's front
// cover, as JPEG. It is downscaled when ArtworkMaxSize is set. A picture
// that cannot be decoded is copied as is.
func (t *Tagger) copyArtwork(ctx context.Context, dst, src *id3v2.Tag) {
	pictureID := src.CommonID("Attached picture")
	for _, f := range src.GetFrames(pictureID) {
		pic, ok := f.(id3v2.PictureFrame)
		if !ok || len(pic.Picture) == 0 {
			continue
		}

		var (
			converted []byte
			err       error
		)
		if size := t.config.ArtworkMaxSize; size > 0 {
			converted, err = t.images.ResizeImage(ctx, pic.Picture, size, size)
		} else if pic.MimeType != "image/jpeg" {
			converted, err = t.images.ConvertToJPEG(ctx, pic.Picture)
		}
		if err == nil && converted != nil {
			pic.Picture = converted
			pic.MimeType = "image/jpeg"
		}

		dst.DeleteFrames(pictureID)
		dst.AddAttachedPicture(id3v2.PictureFrame{
			Encoding:    id3v2.EncodingUTF8,
			MimeType:    pic.MimeType,
			PictureType: id3v2.PTFrontCover,
			Description: "Cover",
			Picture:     pic.Picture,
		})
		return
	}
}

func recordParameters(tag *id3v2.Tag, req model.EnhancementRequest) {
	for _, field := range req.Fields() {
		tag.AddUserDefinedTextFrame(id3v2.UserDefinedTextFrame{
			Encoding:    id3v2.EncodingUTF8,
			Description: ParameterPrefix + field.Name,
			Value:       field.Value,
		})
	}
}
