// Package model defines the core data structures shared by the pipeline
// stages.
//
// # MediaItem
//
// MediaItem is a local file travelling through the pipeline together with
// its lifecycle state:
//
//	item := model.NewMediaItem("samples/track1.mp3")
//	_ = item.Transition(model.StatusUploading)
//
// Transitions are validated; Completed and Failed are terminal.
//
// # CompletionToken
//
// CompletionToken is the name the enhancement service gives an uploaded
// file. Tokens received from the network must go through ParseToken before
// they are used as file names or URL segments:
//
//	token, err := model.ParseToken("abc123")
//	fmt.Println(token.FileName("wav")) // abc123.wav
//
// # EnhancementRequest
//
// EnhancementRequest carries the processing parameters (loudness target,
// peak limit, enhancement strength, output format) sent with every upload.
package model
