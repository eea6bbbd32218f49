// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package klog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ktllog/core/klog"
)

type recordingOutputter struct {
	level    klog.Level
	messages []string
}

func (o *recordingOutputter) Level() klog.Level { return o.level }
func (o *recordingOutputter) Output(calldepth int, level klog.Level, s string) error {
	o.messages = append(o.messages, s)
	return nil
}

func TestLevelGatesOutput(t *testing.T) {
	rec := &recordingOutputter{level: klog.Info}
	old := klog.SetOutputter(rec)
	defer klog.SetOutputter(old)

	klog.Debug.Printf("should be suppressed")
	klog.Info.Printf("visible %d", 1)
	klog.Error.Print("also visible")

	assert.Len(t, rec.messages, 2)
	assert.Equal(t, "visible 1", rec.messages[0])
	assert.Equal(t, "also visible", rec.messages[1])
}

func TestDiscardOutputterDropsEverything(t *testing.T) {
	old := klog.SetOutputter(klog.Discard{})
	defer klog.SetOutputter(old)
	assert.False(t, klog.At(klog.Error))
	klog.Error.Printf("dropped")
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "info", klog.Info.String())
	assert.Equal(t, "debug", klog.Debug.String())
	assert.Contains(t, klog.Level(42).String(), "level(42)")
}
