package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const segmentExt = ".wal"

// Segment is one WAL file. Its records start at FirstSeq and end before the next segment's.
// Gen orders segments that start at the same sequence, which happens when a crash tore the
// only record of the older one.
type Segment struct {
	Path     string
	FirstSeq uint64
	Gen      int
}

func segmentName(prefix string, firstSeq uint64, gen int) string {
	return fmt.Sprintf("%s-%020d-%03d%s", prefix, firstSeq, gen, segmentExt)
}

func parseSegmentName(prefix, name string) (uint64, int, bool) {
	rest, ok := strings.CutPrefix(name, prefix+"-")
	if !ok {
		return 0, 0, false
	}
	rest, ok = strings.CutSuffix(rest, segmentExt)
	if !ok {
		return 0, 0, false
	}
	seqPart, genPart, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, 0, false
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	gen, err := strconv.Atoi(genPart)
	if err != nil {
		return 0, 0, false
	}
	return seq, gen, true
}

// ListSegments returns the segments in dir ordered by first sequence. A missing dir has none.
func ListSegments(dir, prefix string) ([]Segment, error) {
	if prefix == "" {
		prefix = defaultFilePrefix
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var segs []Segment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		seq, gen, ok := parseSegmentName(prefix, entry.Name())
		if !ok {
			continue
		}
		segs = append(segs, Segment{Path: filepath.Join(dir, entry.Name()), FirstSeq: seq, Gen: gen})
	}
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].FirstSeq != segs[j].FirstSeq {
			return segs[i].FirstSeq < segs[j].FirstSeq
		}
		return segs[i].Gen < segs[j].Gen
	})
	return segs, nil
}

// Prune removes the segments whose records are all at or below upto, typically the sequence
// of the last checkpoint. The newest segment always stays.
func Prune(dir, prefix string, upto uint64) (int, error) {
	segs, err := ListSegments(dir, prefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := 0; i+1 < len(segs); i++ {
		if segs[i+1].FirstSeq > upto+1 {
			break
		}
		if err := os.Remove(segs[i].Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
