package ingest

import "hash/fnv"

// StacktraceID computes the 32-bit FNV-1a hash over the ordered,
// non-empty symbol names in names, concatenated as "[name1][name2]...".
// Two traces with identical ordered name sequences collide by design;
// file/line differences never affect the id.
func StacktraceID(names []string) uint32 {
	h := fnv.New32a()
	for _, n := range names {
		if n == "" {
			continue
		}
		h.Write([]byte{'['})
		h.Write([]byte(n))
		h.Write([]byte{']'})
	}
	return h.Sum32()
}
