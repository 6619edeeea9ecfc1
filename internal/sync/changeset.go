package sync

import (
	"github.com/schaermu/rulesync/internal/rules"
)

// ChangeSet is the difference between a source and a destination tree.
// ToCopy holds paths missing from or differing in the destination; ToDelete
// holds paths only the destination has. Both are sorted.
type ChangeSet struct {
	ToCopy   []string
	ToDelete []string
	Added    int
	Modified int
	Deleted  int
}

// Total returns the number of changes in the set.
func (c ChangeSet) Total() int {
	return c.Added + c.Modified + c.Deleted
}

// Empty reports whether the trees are identical.
func (c ChangeSet) Empty() bool {
	return c.Total() == 0
}

// Diff compares src against dst. Paths present in both with equal digests
// appear in neither list.
func Diff(src, dst rules.FingerprintMap) ChangeSet {
	var cs ChangeSet

	for _, rel := range src.Paths() {
		digest, exists := dst[rel]
		switch {
		case !exists:
			cs.ToCopy = append(cs.ToCopy, rel)
			cs.Added++
		case digest != src[rel]:
			cs.ToCopy = append(cs.ToCopy, rel)
			cs.Modified++
		}
	}

	for _, rel := range dst.Paths() {
		if _, exists := src[rel]; !exists {
			cs.ToDelete = append(cs.ToDelete, rel)
			cs.Deleted++
		}
	}

	return cs
}
