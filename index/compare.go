package index

import "sort"

// TouchDifference is one file touched by exactly one of two indices.
type TouchDifference struct {
	File string `json:"file"`
	// "first" or "second": the index the file is missing from
	MissingFrom string `json:"missing_from"`
}

// CompareTouchedFiles reports the files on which two indices disagree.
// An empty result means they touch the same files.
func CompareTouchedFiles(first, second *TestIndex) []TouchDifference {
	inFirst := make(map[string]struct{}, len(first.Files))
	for _, f := range first.Files {
		inFirst[f] = struct{}{}
	}
	inSecond := make(map[string]struct{}, len(second.Files))
	for _, f := range second.Files {
		inSecond[f] = struct{}{}
	}

	var diffs []TouchDifference
	for _, f := range first.Files {
		if _, ok := inSecond[f]; !ok {
			diffs = append(diffs, TouchDifference{File: f, MissingFrom: "second"})
		}
	}
	for _, f := range second.Files {
		if _, ok := inFirst[f]; !ok {
			diffs = append(diffs, TouchDifference{File: f, MissingFrom: "first"})
		}
	}

	sort.Slice(diffs, func(i, j int) bool {
		if diffs[i].File != diffs[j].File {
			return diffs[i].File < diffs[j].File
		}
		return diffs[i].MissingFrom < diffs[j].MissingFrom
	})
	return diffs
}
