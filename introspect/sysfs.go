package introspect

import (
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// readSysfsCaches parses the index* directories of a Linux cpu cache sysfs node. Instruction
// caches are skipped; the remaining data or unified caches are ordered by level.
func readSysfsCaches(fsys fs.FS) ([]CacheInfo, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, errors.Wrap(err, "reading cache directory")
	}

	byLevel := make(map[int]CacheInfo)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "index") {
			continue
		}

		cacheType, err := readField(fsys, entry.Name(), "type")
		if err != nil {
			return nil, err
		}
		if cacheType == "Instruction" {
			continue
		}

		levelText, err := readField(fsys, entry.Name(), "level")
		if err != nil {
			return nil, err
		}
		level, err := strconv.Atoi(levelText)
		if err != nil || level < 1 {
			return nil, errors.Newf("%s has an invalid cache level %q", entry.Name(), levelText)
		}

		sizeText, err := readField(fsys, entry.Name(), "size")
		if err != nil {
			return nil, err
		}
		size, err := parseCacheSize(sizeText)
		if err != nil {
			return nil, errors.Wrapf(err, "%s size", entry.Name())
		}

		// Missing line sizes are tolerated, some virtual machines omit them
		lineSize := 0
		lineText, err := readField(fsys, entry.Name(), "coherency_line_size")
		if err == nil {
			lineSize, _ = strconv.Atoi(lineText)
		}

		byLevel[level] = CacheInfo{
			Level:    CacheLevel(level - 1),
			Size:     size,
			LineSize: lineSize,
		}
	}

	levels := make([]int, 0, len(byLevel))
	for level := range byLevel {
		levels = append(levels, level)
	}
	sort.Ints(levels)

	caches := make([]CacheInfo, 0, len(levels))
	for _, level := range levels {
		caches = append(caches, byLevel[level])
	}

	// Levels are addressed by index, so a gap (e.g. no L2 reported) truncates the list
	for i, cache := range caches {
		if int(cache.Level) != i {
			return caches[:i], nil
		}
	}

	return caches, nil
}

func readField(fsys fs.FS, dir, name string) (string, error) {
	data, err := fs.ReadFile(fsys, dir+"/"+name)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s/%s", dir, name)
	}
	return strings.TrimSpace(string(data)), nil
}

// parseCacheSize understands the sysfs notation: a decimal count with an optional K, M or G suffix
func parseCacheSize(text string) (int, error) {
	multiplier := 1
	switch {
	case strings.HasSuffix(text, "K"):
		multiplier = 1024
	case strings.HasSuffix(text, "M"):
		multiplier = 1024 * 1024
	case strings.HasSuffix(text, "G"):
		multiplier = 1024 * 1024 * 1024
	}
	if multiplier != 1 {
		text = text[:len(text)-1]
	}

	value, err := strconv.Atoi(text)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid cache size %q", text)
	}
	if value < 0 {
		return 0, errors.Newf("negative cache size %d", value)
	}

	return value * multiplier, nil
}
