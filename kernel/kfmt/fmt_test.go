package kfmt

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintf(t *testing.T) {
	defer func() {
		outputSink = nil
	}()

	// mute vet warnings about malformed printf formatting strings
	printfn := Printf

	specs := []struct {
		fn        func()
		expOutput string
	}{
		{func() { printfn("no args") }, "no args"},
		{func() { printfn("%t", true) }, "true"},
		{func() { printfn("%41t", false) }, "false"},
		{func() { printfn("%s arg", "STRING") }, "STRING arg"},
		{func() { printfn("%s arg", []byte("BYTE SLICE")) }, "BYTE SLICE arg"},
		{func() { printfn("'%6s' padded", "slab") }, "'  slab' padded"},
		{func() { printfn("'%2s' longer than padding", "buddy") }, "'buddy' longer than padding"},
		{func() { printfn("order %d", uint8(10)) }, "order 10"},
		{func() { printfn("mode %o", uint16(0755)) }, "mode 755"},
		{func() { printfn("frame 0x%x", uint32(0x7fe0)) }, "frame 0x7fe0"},
		{func() { printfn("'%8d'", uint64(4096)) }, "'    4096'"},
		{func() { printfn("'%4o'", uint64(017)) }, "'0017'"},
		{func() { printfn("'0x%16x'", uintptr(0x100000)) }, "'0x0000000000100000'"},
		{func() { printfn("'0x%2x'", int64(0xbadf00d)) }, "'0xbadf00d'"},
		{func() { printfn("%d", int8(-10)) }, "-10"},
		{func() { printfn("%x", int32(-0x1000)) }, "-1000"},
		{func() { printfn("'%6x'", int(-0x1f)) }, "'-0001f'"},
		{func() { printfn("'%6d'", int(-42)) }, "'   -42'"},
		{func() { printfn("'%3d'", int64(-12345)) }, "'-12345'"},
		{
			func() { printfn("'%128x'", int(-0xbadf00d)) },
			fmt.Sprintf("'-%sbadf00d'", strings.Repeat("0", maxBufSize-8)),
		},
		{func() { printfn("%%%s%d%t", "slab", 32, true) }, "%slab32true"},
		{func() { printfn("extra", "a", 1) }, "extra%!(EXTRA)%!(EXTRA)"},
		{func() { printfn("missing %s") }, "missing (MISSING)"},
		{func() { printfn("bad verb %Q") }, "bad verb %!(NOVERB)"},
		{func() { printfn("dangling %") }, "dangling %!(NOVERB)"},
		{func() { printfn("%t", "yes") }, "%!(WRONGTYPE)"},
		{func() { printfn("%d", "one") }, "%!(WRONGTYPE)"},
		{func() { printfn("%s", 1) }, "%!(WRONGTYPE)"},
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	for specIndex, spec := range specs {
		buf.Reset()
		spec.fn()
		assert.Equal(t, spec.expOutput, buf.String(), "[spec %d]", specIndex)
	}
}

func TestPrintfToRingBuffer(t *testing.T) {
	defer func() {
		outputSink = nil
	}()

	outputSink = nil
	Printf("[pmm] %d frames", 42)

	var buf bytes.Buffer
	SetOutputSink(&buf)
	require.Equal(t, "[pmm] 42 frames", buf.String())

	buf.Reset()
	Printf("direct")
	require.Equal(t, "direct", buf.String())
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer
	Fprintf(&buf, "[%s] %d", "buddy", 3)
	require.Equal(t, "[buddy] 3", buf.String())
}

func TestPrintfDoesNotAllocate(t *testing.T) {
	var buf bytes.Buffer
	buf.Grow(1024)
	str, num := "slab", uintptr(0x1000)

	allocs := testing.AllocsPerRun(10, func() {
		buf.Reset()
		Fprintf(&buf, "[%s] page 0x%x", str, num)
	})
	// boxing the variadic arguments may allocate; formatting itself must not.
	assert.LessOrEqual(t, allocs, float64(2))
}
