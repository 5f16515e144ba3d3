// Package http provides the client session for the media enhancement API.
//
// The Client in this package handles:
//   - The X-API-Key credential header
//   - A connection pool bounded by the configured connection limit
//   - Streaming multipart uploads (POST {base}/media/enhance)
//   - Chunked result downloads (GET {base}/media/{token})
//   - Per-request timeouts
//
// # Basic Usage
//
//	client, err := http.NewClient(http.Options{
//	    BaseURL: "https://api.ai-coustics.com/v1",
//	    APIKey:  creds.APIKey,
//	})
//	defer client.Close()
//
//	token, err := client.Upload(ctx, "samples/track1.mp3", req)
//	_, err = client.Download(ctx, token, filepath.Join("results", token.FileName("wav")))
//
// # Errors
//
// A response with an unexpected status is returned as a *StatusError
// carrying the response body, and matches ErrUnexpectedStatus:
//
//	if errors.Is(err, http.ErrUnexpectedStatus) {
//	    // the service rejected the request
//	}
//
// # Progress Tracking
//
// DownloadWithProgress reports every chunk written:
//
//	n, err := client.DownloadWithProgress(ctx, token, dest, func(written, total int64) {
//	    // update UI
//	})
package http
