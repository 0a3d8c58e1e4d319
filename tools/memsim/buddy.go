package main

import (
	"io"
	"strconv"
	"strings"

	"github.com/jbqxo/yaeos-sub000/internal/hostmem"
	"github.com/jbqxo/yaeos-sub000/kernel/kfmt"
	"github.com/jbqxo/yaeos-sub000/kernel/mem"
	"github.com/jbqxo/yaeos-sub000/kernel/mm/buddy"
	"github.com/jbqxo/yaeos-sub000/kernel/mm/linear"
	"github.com/pkg/errors"
)

type opKind uint8

const (
	opAlloc opKind = iota
	opFree
	opTry
)

type buddyOp struct {
	kind  opKind
	frame uint32
	order mem.PageOrder
}

// parseOp decodes alloc:<order>, free:<frame>:<order> and try:<frame>.
func parseOp(s string) (buddyOp, error) {
	fields := strings.Split(strings.TrimSpace(s), ":")
	num := func(i int, bitSize int) (uint64, error) {
		v, err := strconv.ParseUint(fields[i], 0, bitSize)
		return v, errors.Wrapf(err, "op %q", s)
	}

	var op buddyOp
	switch {
	case fields[0] == "alloc" && len(fields) == 2:
		order, err := num(1, 8)
		if err != nil {
			return op, err
		}
		op.kind, op.order = opAlloc, mem.PageOrder(order)
	case fields[0] == "free" && len(fields) == 3:
		frame, err := num(1, 32)
		if err != nil {
			return op, err
		}
		order, err := num(2, 8)
		if err != nil {
			return op, err
		}
		op.kind, op.frame, op.order = opFree, uint32(frame), mem.PageOrder(order)
	case fields[0] == "try" && len(fields) == 2:
		frame, err := num(1, 32)
		if err != nil {
			return op, err
		}
		op.kind, op.frame = opTry, uint32(frame)
	default:
		return op, errors.Errorf("malformed op %q", s)
	}
	return op, nil
}

// checkFree rejects frees that the manager would treat as fatal.
func checkFree(m *buddy.Manager, op buddyOp) error {
	blockFrames := uint64(op.order.Pages())
	switch {
	case op.order > m.MaxOrder():
		return errors.Errorf("free of frame %d: order %d exceeds the maximum order %d", op.frame, op.order, m.MaxOrder())
	case uint64(op.frame)%blockFrames != 0:
		return errors.Errorf("free of frame %d: not aligned to order %d", op.frame, op.order)
	case uint64(op.frame)+blockFrames > uint64(m.Frames()):
		return errors.Errorf("free of frame %d: block exceeds the %d managed frames", op.frame, m.Frames())
	}

	for frame := op.frame; uint64(frame) < uint64(op.frame)+blockFrames; frame++ {
		if m.IsFree(frame) {
			return errors.Errorf("free of frame %d: frame %d is not allocated", op.frame, frame)
		}
	}
	return nil
}

func runBuddy(cfg *Config, w io.Writer) error {
	ops := make([]buddyOp, len(cfg.Ops))
	for i, s := range cfg.Ops {
		op, err := parseOp(s)
		if err != nil {
			return err
		}
		ops[i] = op
	}

	arena, err := hostmem.NewArena(mem.Size(buddy.PredictSize(cfg.Frames)))
	if err != nil {
		return errors.Wrap(err, "allocating buddy metadata")
	}
	defer arena.Close()

	var (
		meta linear.Allocator
		m    buddy.Manager
	)
	meta.Init(arena.Base(), uintptr(arena.Size()))
	if kerr := m.Init(cfg.Frames, &meta); kerr != nil {
		return errors.Wrap(kerr, "initializing buddy manager")
	}

	kfmt.Fprintf(w, "buddy: %d frames, max order %d, %d bytes of metadata\n", cfg.Frames, uint8(m.MaxOrder()), uint64(meta.Occupied()))
	for i, op := range ops {
		switch op.kind {
		case opAlloc:
			frame, kerr := m.Alloc(op.order)
			if kerr != nil {
				kfmt.Fprintf(w, "%3d alloc order %d: %s\n", i, uint8(op.order), kerr.Message)
				continue
			}
			kfmt.Fprintf(w, "%3d alloc order %d: frame %d\n", i, uint8(op.order), frame)
		case opFree:
			if err := checkFree(&m, op); err != nil {
				return errors.Wrapf(err, "op %d", i)
			}
			m.Free(op.frame, op.order)
			kfmt.Fprintf(w, "%3d free frame %d order %d\n", i, op.frame, uint8(op.order))
		case opTry:
			if op.frame >= m.Frames() {
				return errors.Errorf("op %d: frame %d out of range", i, op.frame)
			}
			kfmt.Fprintf(w, "%3d try frame %d: %t\n", i, op.frame, m.TryAlloc(op.frame))
		}
	}

	kfmt.Fprintf(w, "map: %s\n", frameMap(&m))
	kfmt.Fprintf(w, "free frames: %d of %d\n", m.FreeFrames(), m.Frames())
	return nil
}

// frameMap renders one character per frame: '#' when in use, '.' when free.
func frameMap(m *buddy.Manager) string {
	var sb strings.Builder
	for frame := uint32(0); frame < m.Frames(); frame++ {
		if m.IsFree(frame) {
			sb.WriteByte('.')
		} else {
			sb.WriteByte('#')
		}
	}
	return sb.String()
}
