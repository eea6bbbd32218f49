// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package ioctx_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktllog/core/ioctx"
)

// memFile is a minimal buffer-backed implementation used only to
// exercise the ioctx interfaces: that ReaderAt, WriterAt and Closer
// compose into ReaderAtCloser, and that the context argument is
// threaded through as expected.
type memFile struct {
	buf    []byte
	closed bool
}

func (f *memFile) ReadAt(ctx context.Context, dst []byte, off int64) (int, error) {
	if f.closed {
		return 0, context.Canceled
	}
	n := copy(dst, f.buf[off:])
	return n, nil
}

func (f *memFile) WriteAt(ctx context.Context, src []byte, off int64) (int, error) {
	if f.closed {
		return 0, context.Canceled
	}
	need := int(off) + len(src)
	if need > len(f.buf) {
		grown := make([]byte, need)
		copy(grown, f.buf)
		f.buf = grown
	}
	n := copy(f.buf[off:], src)
	return n, nil
}

func (f *memFile) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

var _ ioctx.ReaderAtCloser = (*memFile)(nil)

func TestReaderAtWriterAtRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := &memFile{}

	n, err := f.WriteAt(ctx, []byte("hello"), 2)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	got := make([]byte, 5)
	n, err = f.ReadAt(ctx, got, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(got))
}

func TestCloserPreventsFurtherIO(t *testing.T) {
	ctx := context.Background()
	var rac ioctx.ReaderAtCloser = &memFile{buf: make([]byte, 4)}

	require.NoError(t, rac.Close(ctx))
	_, err := rac.ReadAt(ctx, make([]byte, 1), 0)
	assert.Error(t, err)
}
