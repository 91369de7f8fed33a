package scope

import (
	"path"
	"sort"
)

// DefaultChunkThreshold is the scope size above which evaluation is chunked.
const DefaultChunkThreshold = 60

// DefaultChunkSize is the target number of files per chunk.
const DefaultChunkSize = 25

// Chunk partitions a file set into chunks of roughly chunkSize files,
// keeping files from the same directory together so each chunk retains
// module locality. Scopes at or below the threshold come back as a single
// chunk.
func Chunk(files []string, threshold, chunkSize int) [][]string {
	if threshold <= 0 {
		threshold = DefaultChunkThreshold
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if len(files) <= threshold {
		return [][]string{files}
	}

	// Group by directory, then pack whole directories into chunks. A
	// directory larger than the chunk size is split on its own.
	byDir := make(map[string][]string)
	var dirs []string
	for _, f := range files {
		dir := path.Dir(f)
		if _, seen := byDir[dir]; !seen {
			dirs = append(dirs, dir)
		}
		byDir[dir] = append(byDir[dir], f)
	}
	sort.Strings(dirs)

	var chunks [][]string
	var current []string
	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
		}
	}
	for _, dir := range dirs {
		group := byDir[dir]
		sort.Strings(group)
		for len(group) > chunkSize {
			flush()
			chunks = append(chunks, group[:chunkSize])
			group = group[chunkSize:]
		}
		if len(current)+len(group) > chunkSize {
			flush()
		}
		current = append(current, group...)
	}
	flush()
	return chunks
}
