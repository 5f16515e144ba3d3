package audio

import (
	"fmt"
	"path/filepath"
	"strings"

	ioutils "github.com/handiism/media-enhancer/internal/io"
	"github.com/handiism/media-enhancer/internal/model"
)

// PlaylistFormat represents supported playlist file formats.
//
// Each format has different features and compatibility:
//   - M3U: Simple text format, widely supported
//   - PLS: INI-style format, used by Winamp
//   - WPL: XML format, Windows Media Player
//   - ZPL: XML format, Zune/Groove Music
type PlaylistFormat int

const (
	// FormatM3U creates .m3u files (most compatible).
	// Can be extended with EXTINF lines for title info.
	FormatM3U PlaylistFormat = iota

	// FormatPLS creates .pls files (Winamp/SHOUTcast format).
	FormatPLS

	// FormatWPL creates .wpl files (Windows Media Player).
	FormatWPL

	// FormatZPL creates .zpl files (Zune/Groove Music).
	FormatZPL
)

// Extension returns the file extension for the format, without the dot.
func (f PlaylistFormat) Extension() string {
	switch f {
	case FormatPLS:
		return "pls"
	case FormatWPL:
		return "wpl"
	case FormatZPL:
		return "zpl"
	default:
		return "m3u"
	}
}

func (f PlaylistFormat) String() string {
	return strings.ToUpper(f.Extension())
}

// PlaylistCreator generates playlist files listing enhanced results.
//
// Entries are relative file names, so the playlist belongs in the same
// directory as the results. Each entry is titled after the source file it
// was enhanced from, or after its token when the source is unknown.
//
// Example:
//
//	creator := NewPlaylistCreator(FormatM3U, true)
//	content := creator.CreatePlaylist("enhanced", results)
//
//	// Result:
//	// #EXTM3U
//	// #EXTINF:-1,track1
//	// abc123.wav
type PlaylistCreator struct {
	format   PlaylistFormat
	extended bool // For M3U: include EXTINF lines
}

// NewPlaylistCreator creates a new PlaylistCreator.
//
// extended only affects the M3U format.
func NewPlaylistCreator(format PlaylistFormat, extended bool) *PlaylistCreator {
	return &PlaylistCreator{
		format:   format,
		extended: extended,
	}
}

// Format returns the playlist format this creator produces.
func (p *PlaylistCreator) Format() PlaylistFormat {
	return p.format
}

// CreatePlaylist generates playlist content for results.
func (p *PlaylistCreator) CreatePlaylist(title string, results []model.Result) string {
	switch p.format {
	case FormatPLS:
		return p.createPLS(results)
	case FormatWPL:
		return p.createWPL(title, results)
	case FormatZPL:
		return p.createZPL(title, results)
	default:
		return p.createM3U(results)
	}
}

// WritePlaylist writes the playlist for results to dir/name.<ext> and
// returns the path written.
func (p *PlaylistCreator) WritePlaylist(dir, name string, results []model.Result) (string, error) {
	name = ioutils.SanitizeFileName(name)
	if name == "" {
		name = "playlist"
	}
	if err := ioutils.EnsureDir(dir); err != nil {
		return "", fmt.Errorf("playlist: %w", err)
	}
	path := filepath.Join(dir, name+"."+p.format.Extension())
	if err := ioutils.WriteFile(path, []byte(p.CreatePlaylist(name, results))); err != nil {
		return "", fmt.Errorf("playlist: %w", err)
	}
	return path, nil
}

// entryTitle names a result after its source file, falling back to the token.
func entryTitle(r model.Result) string {
	if r.SourcePath != "" {
		base := filepath.Base(r.SourcePath)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	return r.Token.String()
}

// createM3U generates an M3U playlist.
//
// Extended M3U format (when extended=true):
//
//	#EXTM3U
//	#EXTINF:-1,Title
//	abc123.wav
//
// The duration is unknown without decoding the result, hence -1.
func (p *PlaylistCreator) createM3U(results []model.Result) string {
	var sb strings.Builder

	if p.extended {
		sb.WriteString("#EXTM3U\n")
	}

	for _, r := range results {
		if p.extended {
			sb.WriteString(fmt.Sprintf("#EXTINF:-1,%s\n", entryTitle(r)))
		}
		sb.WriteString(filepath.Base(r.Path) + "\n")
	}

	return sb.String()
}

// createPLS generates a PLS playlist.
//
//	[playlist]
//	File1=abc123.wav
//	Title1=track1
//	Length1=-1
//	NumberOfEntries=1
//	Version=2
func (p *PlaylistCreator) createPLS(results []model.Result) string {
	var sb strings.Builder

	sb.WriteString("[playlist]\n")

	for i, r := range results {
		idx := i + 1
		sb.WriteString(fmt.Sprintf("File%d=%s\n", idx, filepath.Base(r.Path)))
		sb.WriteString(fmt.Sprintf("Title%d=%s\n", idx, entryTitle(r)))
		sb.WriteString(fmt.Sprintf("Length%d=-1\n", idx))
	}

	sb.WriteString(fmt.Sprintf("NumberOfEntries=%d\n", len(results)))
	sb.WriteString("Version=2\n")

	return sb.String()
}

// createWPL generates a Windows Media Player playlist.
func (p *PlaylistCreator) createWPL(title string, results []model.Result) string {
	var sb strings.Builder

	sb.WriteString("<?wpl version=\"1.0\"?>\n")
	sb.WriteString("<smil>\n")
	sb.WriteString("  <head>\n")
	sb.WriteString(fmt.Sprintf("    <title>%s</title>\n", escapeXML(title)))
	sb.WriteString("  </head>\n")
	sb.WriteString("  <body>\n")
	sb.WriteString("    <seq>\n")

	for _, r := range results {
		sb.WriteString(fmt.Sprintf("      <media src=\"%s\"/>\n", escapeXML(filepath.Base(r.Path))))
	}

	sb.WriteString("    </seq>\n")
	sb.WriteString("  </body>\n")
	sb.WriteString("</smil>\n")

	return sb.String()
}

// createZPL generates a Zune/Groove Music playlist.
//
// ZPL is similar to WPL but carries a track title per entry.
func (p *PlaylistCreator) createZPL(title string, results []model.Result) string {
	var sb strings.Builder

	sb.WriteString("<?zpl version=\"2.0\"?>\n")
	sb.WriteString("<smil>\n")
	sb.WriteString("  <head>\n")
	sb.WriteString(fmt.Sprintf("    <title>%s</title>\n", escapeXML(title)))
	sb.WriteString("    <meta name=\"Generator\" content=\"media-enhancer\"/>\n")
	sb.WriteString(fmt.Sprintf("    <meta name=\"ItemCount\" content=\"%d\"/>\n", len(results)))
	sb.WriteString("  </head>\n")
	sb.WriteString("  <body>\n")
	sb.WriteString("    <seq>\n")

	for _, r := range results {
		sb.WriteString(fmt.Sprintf("      <media src=\"%s\" trackTitle=\"%s\"/>\n",
			escapeXML(filepath.Base(r.Path)),
			escapeXML(entryTitle(r))))
	}

	sb.WriteString("    </seq>\n")
	sb.WriteString("  </body>\n")
	sb.WriteString("</smil>\n")

	return sb.String()
}

// escapeXML escapes special XML characters in a string.
//
// Replaces: & < > " '
// With:     &amp; &lt; &gt; &quot; &apos;
func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}
