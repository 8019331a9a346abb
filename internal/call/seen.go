package call

// seenSet remembers recently observed signal ids so duplicate deliveries
// from the at-least-once relay are dropped. Bounded FIFO eviction.
type seenSet struct {
	limit int
	order []string
	ids   map[string]struct{}
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{limit: limit, ids: make(map[string]struct{}, limit)}
}

// observe records id and reports whether it was already seen.
func (s *seenSet) observe(id string) bool {
	if _, ok := s.ids[id]; ok {
		return true
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	return false
}
