// Package pipeline runs the enhancement pipeline: local files are uploaded
// to the enhancement service, completion notifications are collected, and
// the enhanced results are downloaded into the output directory.
//
// # Stages
//
//	Submit → item queue → upload workers ─┐
//	                                      │ token
//	completion listener (or sync mode) → completion queue → download workers → Results()
//
// Upload and download workers are independent pools, so a slow download
// never holds back uploads. The number of workers in each pool bounds the
// number of concurrent calls of that kind.
//
// # Basic Usage
//
//	h, err := pipeline.Start(ctx, pipeline.Options{
//	    Settings:    settings,
//	    Credentials: creds,
//	    Logger:      logger,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for _, path := range files {
//	    if _, err := h.Submit(ctx, path); err != nil {
//	        break
//	    }
//	}
//
//	report := h.Shutdown(settings.ShutdownTimeout.Std())
//	for _, result := range h.Results().Drain() {
//	    fmt.Println(result.Path)
//	}
//
// # Shutdown
//
// Shutdown stops both pools from taking new work and waits up to the grace
// period for calls already running. When the grace period expires those
// calls are cancelled. Items still queued, and uploaded items whose
// completion never arrived, are counted as abandoned, so once Shutdown
// returns:
//
//	Submitted == Completed + Failed + Abandoned
//
// unless the report lists stuck calls.
//
// # Progress Tracking
//
// Item-level progress is reported through Options.OnProgress:
//
//	type ProgressEvent struct {
//	    Message string
//	    Level   ProgressLevel // Info, Verbose, Warning, Error, Success
//	    Stage   string
//	    Item    string
//	    Token   model.CompletionToken
//	}
package pipeline
