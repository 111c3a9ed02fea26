package main

import (
	"fmt"

	"github.com/modulus-lang/memory/introspect"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newSysinfoCmd())
}

func newSysinfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sysinfo",
		Short: "Report page, word and cache geometry",
		Long: `The sysinfo command prints the values the heap manager gathers about the
running machine: page size, word size and each data cache level.

Example:
  heapctl sysinfo
  heapctl sysinfo --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSysinfo(cmd)
		},
	}
	return cmd
}

type sysinfoCache struct {
	Level    string `json:"level"`
	Size     int    `json:"size"`
	LineSize int    `json:"lineSize"`
	Sectors  int    `json:"sectors"`
}

type sysinfoResult struct {
	PageSize      int          `json:"pageSize"`
	WordSize      int          `json:"wordSize"`
	CacheLineSize int          `json:"cacheLineSize"`
	Caches        []sysinfoCache `json:"caches"`
}

func runSysinfo(cmd *cobra.Command) error {
	info := introspect.Snapshot()

	result := sysinfoResult{
		PageSize:      info.PageSize,
		WordSize:      info.WordSize,
		CacheLineSize: info.CacheLineSize,
		Caches:        []sysinfoCache{},
	}
	for _, cache := range info.Caches {
		result.Caches = append(result.Caches, sysinfoCache{
			Level:    cache.Level.String(),
			Size:     cache.Size,
			LineSize: cache.LineSize,
			Sectors:  cache.Sectors(),
		})
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, result)
	}

	fmt.Fprintf(out, "Page size:       %d bytes\n", result.PageSize)
	fmt.Fprintf(out, "Word size:       %d bytes\n", result.WordSize)
	fmt.Fprintf(out, "Cache line size: %d bytes\n", result.CacheLineSize)

	if len(result.Caches) == 0 {
		fmt.Fprintln(out, "Caches:          not reported by this platform")
		return nil
	}

	fmt.Fprintln(out, "Caches:")
	for _, cache := range result.Caches {
		fmt.Fprintf(out, "  %-6s %8d bytes, %4d byte lines, %6d sectors\n",
			cache.Level, cache.Size, cache.LineSize, cache.Sectors)
	}
	return nil
}
