package mcpserver

import "strconv"

// DefaultPageSize is the number of tools returned per tools/list page.
const DefaultPageSize = 50

// Page is one page of list results.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// paginate slices all at the offset encoded in cursor. An unparsable or out
// of range cursor restarts from the beginning.
func paginate[T any](all []T, cursor string, size int) Page[T] {
	if size <= 0 {
		size = DefaultPageSize
	}
	start, err := strconv.Atoi(cursor)
	if err != nil || start < 0 || start > len(all) {
		start = 0
	}
	end := min(start+size, len(all))

	p := Page[T]{Items: make([]T, end-start)}
	copy(p.Items, all[start:end])
	if end < len(all) {
		p.NextCursor = strconv.Itoa(end)
	}
	return p
}
