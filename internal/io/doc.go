// Package ioutils provides file system and image processing utilities.
//
// This package contains functions for:
//   - Atomic file writing
//   - Filename sanitization
//   - Directory creation and recursive file listing
//   - Exclusive directory locks (so two pipelines never share an output directory)
//   - Image resizing and format conversion for embedded artwork
//
// # File Operations
//
//	files, err := ioutils.ListFiles("samples", 0)
//	err = ioutils.WriteFile("results/enhanced.m3u", data)
//
// # Directory Locks
//
//	lock, err := ioutils.LockDir("results")
//	if errors.Is(err, ioutils.ErrLocked) {
//	    log.Fatal("results is in use by another pipeline")
//	}
//	defer lock.Unlock()
//
// # Image Processing
//
//	svc := ioutils.NewImageService()
//	resized, err := svc.ResizeImage(ctx, imageData, 500, 500)
package ioutils
