// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package logid_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktllog/core/logid"
)

func TestNewIsRandomAndNonZero(t *testing.T) {
	a := logid.New()
	b := logid.New()
	assert.NotEqual(t, a, b)
	assert.False(t, a.IsZero())
}

func TestZeroValueIsZero(t *testing.T) {
	var id logid.ID
	assert.True(t, id.IsZero())
	assert.Equal(t, "<zero>", id.String())
}

func TestStringParseRoundTrip(t *testing.T) {
	id := logid.New()
	got, err := logid.Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := logid.Parse("not-hex!!")
	assert.Error(t, err)
	_, err = logid.Parse("ab")
	assert.Error(t, err)
}

func TestBytesReflectsUnderlyingArray(t *testing.T) {
	id := logid.New()
	assert.Equal(t, id[:], id.Bytes())
}
