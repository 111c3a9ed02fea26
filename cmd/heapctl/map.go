package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/modulus-lang/memory/heap"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

type mapOptions struct {
	size        int
	granularity int
	global      []int
	local       []int
	free        []int
	detailed    bool
}

func init() {
	rootCmd.AddCommand(newMapCmd())
}

func newMapCmd() *cobra.Command {
	opts := &mapOptions{}

	cmd := &cobra.Command{
		Use:   "map",
		Short: "Build a sample heap and print its layout",
		Long: `The map command creates a heap, makes the requested global and local
allocations in order, optionally frees some of them, and prints the resulting
statistics and block map as JSON.

Allocations are numbered from 0 in the order they were made, globals first.

Example:
  heapctl map --size 4096 --global 64,128 --local 32
  heapctl map --size 256 --granularity 64 --global 16,16 --local 16 --free 1 --detailed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMap(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.size, "size", 4096, "Minimum heap size in bytes")
	cmd.Flags().IntVar(&opts.granularity, "granularity", 0, "Heap size granularity (default: page size)")
	cmd.Flags().IntSliceVar(&opts.global, "global", nil, "Sizes of global allocations to make")
	cmd.Flags().IntSliceVar(&opts.local, "local", nil, "Sizes of local allocations to make")
	cmd.Flags().IntSliceVar(&opts.free, "free", nil, "Numbers of allocations to free afterward")
	cmd.Flags().BoolVar(&opts.detailed, "detailed", false, "Include every block in the output")

	return cmd
}

func runMap(cmd *cobra.Command, opts *mapOptions) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(os.Stderr))

	h, err := heap.New(logger, heap.Options{Granularity: opts.granularity})
	if err != nil {
		return fmt.Errorf("failed to configure heap: %w", err)
	}

	err = h.Create(opts.size)
	if err != nil {
		return fmt.Errorf("failed to create heap: %w", err)
	}
	defer func() {
		_ = h.Destroy()
	}()

	var handles []heap.Handle
	allocate := func(sizes []int, arena heap.Arena) error {
		for _, size := range sizes {
			handle, err := h.Alloc(size, arena)
			if err != nil {
				return fmt.Errorf("allocation %d (%d bytes, %s): %w", len(handles), size, arena, err)
			}
			handles = append(handles, handle)
		}
		return nil
	}

	err = allocate(opts.global, heap.Global)
	if err != nil {
		return err
	}
	err = allocate(opts.local, heap.Local)
	if err != nil {
		return err
	}

	for _, number := range opts.free {
		if number < 0 || number >= len(handles) {
			return fmt.Errorf("there is no allocation %d to free", number)
		}
		err = h.Free(handles[number])
		if err != nil {
			return fmt.Errorf("free allocation %d: %w", number, err)
		}
	}

	var indented bytes.Buffer
	err = json.Indent(&indented, []byte(h.BuildStatsString(opts.detailed)), "", "  ")
	if err != nil {
		return err
	}
	indented.WriteByte('\n')

	_, err = cmd.OutOrStdout().Write(indented.Bytes())
	if err != nil {
		return err
	}

	// Release everything so Destroy does not report it as leaked
	for i, handle := range handles {
		if contains(opts.free, i) {
			continue
		}
		_ = h.Free(handle)
	}
	return nil
}

func contains(values []int, value int) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
