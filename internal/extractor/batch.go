package extractor

// Batches splits items into consecutive slices of at most size elements.
func Batches(items []string, size int) [][]string {
	if len(items) == 0 || size <= 0 {
		return nil
	}

	var out [][]string
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
