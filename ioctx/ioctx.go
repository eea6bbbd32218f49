// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package ioctx adds context.Context to the io APIs the block device
// contract (§6.1) is expressed in terms of: every device operation is
// asynchronous and cancelable.
package ioctx

import "context"

// ReaderAt is io.ReaderAt with a context.
type ReaderAt interface {
	ReadAt(ctx context.Context, dst []byte, off int64) (n int, err error)
}

// WriterAt is io.WriterAt with a context.
type WriterAt interface {
	WriteAt(ctx context.Context, src []byte, off int64) (n int, err error)
}

// Closer is io.Closer with a context.
type Closer interface {
	Close(ctx context.Context) error
}

// ReaderAtCloser combines ReaderAt and Closer.
type ReaderAtCloser interface {
	ReaderAt
	Closer
}
