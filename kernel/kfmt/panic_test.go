package kfmt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/jbqxo/yaeos-sub000/kernel"
	"github.com/stretchr/testify/assert"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = haltForever
		outputSink = nil
	}()

	var (
		buf           bytes.Buffer
		cpuHaltCalled bool
	)
	cpuHaltFn = func() { cpuHaltCalled = true }
	SetOutputSink(&buf)

	specs := []struct {
		arg interface{}
		exp string
	}{
		{
			&kernel.Error{Module: "slab", Message: "double free"},
			"\n-----------------------------------\n[slab] unrecoverable error: double free\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"string error",
			"\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			nil,
			"\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
	}

	for specIndex, spec := range specs {
		buf.Reset()
		cpuHaltCalled = false

		Panic(spec.arg)

		assert.Equal(t, spec.exp, buf.String(), "[spec %d]", specIndex)
		assert.True(t, cpuHaltCalled, "[spec %d] expected cpuHaltFn to be called", specIndex)
	}
}
