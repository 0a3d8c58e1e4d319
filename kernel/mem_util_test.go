package kernel

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestMemset(t *testing.T) {
	// memset with a 0 size should be a no-op
	Memset(uintptr(0), 0x00, 0)

	for pageCount := uint32(1); pageCount <= 10; pageCount++ {
		buf := make([]byte, 4096*pageCount)
		for i := 0; i < len(buf); i++ {
			buf[i] = 0xFE
		}

		addr := uintptr(unsafe.Pointer(&buf[0]))
		Memset(addr, 0x00, uintptr(len(buf)))

		for i := 0; i < len(buf); i++ {
			require.Zerof(t, buf[i], "[page count %d] expected byte %d to be cleared", pageCount, i)
		}
	}
}

func TestMemsetPartial(t *testing.T) {
	buf := make([]byte, 64)
	Memset(uintptr(unsafe.Pointer(&buf[8])), 0xAB, 13)

	for i, b := range buf {
		if i >= 8 && i < 21 {
			require.Equalf(t, byte(0xAB), b, "expected byte %d to be set", i)
			continue
		}
		require.Zerof(t, b, "expected byte %d outside the target range to be untouched", i)
	}
}

func TestMemcopy(t *testing.T) {
	// memcopy with a 0 size should be a no-op
	Memcopy(uintptr(0), uintptr(0), 0)

	var (
		src = make([]byte, 500)
		dst = make([]byte, 500)
	)

	for i := 0; i < len(src); i++ {
		src[i] = byte(i % 256)
	}

	Memcopy(
		uintptr(unsafe.Pointer(&src[0])),
		uintptr(unsafe.Pointer(&dst[0])),
		uintptr(len(src)),
	)

	require.Equal(t, src, dst)
}
