// Package audio provides post-processing for enhanced results: ID3 tag
// restoration and playlist generation.
//
// # ID3 Tagging
//
// The enhancement service returns bare audio. Use the Tagger to copy the
// source file's tags onto an MP3 result:
//
//	tagger := audio.NewTagger(audio.DefaultTagConfig())
//	tagged, err := tagger.TagResult(ctx, result, req)
//
// The tagger supports:
//   - Title, Artist, Album Artist, Album, Year, Track and Disc Number, Genre
//   - Lyrics
//   - Cover Art (downscaled and re-encoded as JPEG)
//   - The enhancement parameters, as TXXX frames
//
// Results in other formats are left untouched.
//
// # Playlist Generation
//
// Generate playlists of finished results in various formats:
//
//	creator := audio.NewPlaylistCreator(audio.FormatM3U, true) // extended M3U
//	path, err := creator.WritePlaylist("results", "enhanced", results)
//
// Supported formats:
//   - M3U (with optional extended info)
//   - PLS
//   - WPL (Windows Media Player)
//   - ZPL (Zune Media Player)
package audio
