package crdt

import "sort"

// SeqRange is an inclusive run of sequence numbers from one replica.
type SeqRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// seqSet holds sorted, disjoint, non-adjacent ranges.
type seqSet []SeqRange

func (s seqSet) contains(seq uint64) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i].To >= seq })
	return i < len(s) && s[i].From <= seq
}

// add merges [from, to] into the set, joining neighbours that touch it.
func (s seqSet) add(from, to uint64) seqSet {
	if to < from {
		from, to = to, from
	}
	i := sort.Search(len(s), func(i int) bool { return s[i].To+1 >= from })
	j := i
	for j < len(s) && s[j].From <= to+1 {
		if s[j].From < from {
			from = s[j].From
		}
		if s[j].To > to {
			to = s[j].To
		}
		j++
	}
	out := make(seqSet, 0, len(s)-(j-i)+1)
	out = append(out, s[:i]...)
	out = append(out, SeqRange{From: from, To: to})
	return append(out, s[j:]...)
}

func (s seqSet) max() uint64 {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1].To
}
