// Command memsim runs the kernel memory allocators as a regular process over
// anonymous memory mappings and reports their state.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jbqxo/yaeos-sub000/kernel/kfmt"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "[memsim] error: %s\n", err.Error())
		os.Exit(1)
	}
}

func newApp(w io.Writer) *cli.App {
	return &cli.App{
		Name:        "memsim",
		Usage:       "exercise the kernel memory allocators from user space",
		Description: "memsim backs the buddy, slab and kmalloc allocators with anonymous memory mappings",
		Writer:      w,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{envVarPrefix + "_CONFIG_FILE"},
			},
		},
		Commands: []*cli.Command{{
			Name:        "buddy",
			Usage:       "run an alloc/free script against a buddy manager",
			Description: "ops are alloc:<order>, free:<frame>:<order> or try:<frame>",
			Flags: []cli.Flag{
				&cli.UintFlag{Name: "frames", Usage: "number of frames managed"},
				&cli.StringSliceFlag{Name: "op", Usage: "script operation; may be repeated"},
			},
			Action: withConfig(w, runBuddy),
		}, {
			Name:  "slab",
			Usage: "fill a cache with objects, then free and trim it",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "pages", Usage: "pages available to the slab allocator"},
				&cli.UintFlag{Name: "size", Usage: "object size in bytes"},
				&cli.UintFlag{Name: "align", Usage: "object alignment in bytes; 0 selects the minimum"},
				&cli.IntFlag{Name: "objects", Usage: "number of objects to allocate"},
			},
			Action: withConfig(w, runSlab),
		}, {
			Name:  "kmalloc",
			Usage: "allocate a list of sizes through the kmalloc heap",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "pages", Usage: "pages available to the slab allocator"},
				&cli.IntSliceFlag{Name: "size", Usage: "allocation size; may be repeated"},
			},
			Action: withConfig(w, runKmalloc),
		}, {
			Name:  "boot",
			Usage: "bring up the physical memory manager over the configured memory map",
			Flags: []cli.Flag{
				&cli.Uint64Flag{Name: "kernel-start", Usage: "physical address of the kernel image"},
				&cli.Uint64Flag{Name: "kernel-end", Usage: "physical address past the kernel image"},
			},
			Action: withConfig(w, runBoot),
		}},
	}
}

// withConfig loads the configuration, overlays the command's flags and routes
// kernel log output to w before invoking fn.
func withConfig(w io.Writer, fn func(*Config, io.Writer) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		cfg, err := LoadConfig(ctx.String("config"))
		if err != nil {
			return err
		}

		applyFlags(cfg, ctx)
		if err := cfg.Validate(); err != nil {
			return err
		}

		kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: w, Prefix: []byte("kernel: ")})
		defer kfmt.SetOutputSink(nil)

		return fn(cfg, w)
	}
}

func applyFlags(cfg *Config, ctx *cli.Context) {
	if ctx.IsSet("frames") {
		cfg.Frames = uint32(ctx.Uint("frames"))
	}
	if ctx.IsSet("op") {
		cfg.Ops = ctx.StringSlice("op")
	}
	if ctx.IsSet("pages") {
		cfg.Pages = ctx.Int("pages")
	}
	if ctx.IsSet("size") {
		switch ctx.Command.Name {
		case "kmalloc":
			cfg.Sizes = cfg.Sizes[:0]
			for _, size := range ctx.IntSlice("size") {
				cfg.Sizes = append(cfg.Sizes, uint(size))
			}
		default:
			cfg.ObjectSize = ctx.Uint("size")
		}
	}
	if ctx.IsSet("align") {
		cfg.ObjectAlign = ctx.Uint("align")
	}
	if ctx.IsSet("objects") {
		cfg.Objects = ctx.Int("objects")
	}
	if ctx.IsSet("kernel-start") {
		cfg.KernelStart = ctx.Uint64("kernel-start")
	}
	if ctx.IsSet("kernel-end") {
		cfg.KernelEnd = ctx.Uint64("kernel-end")
	}
}
