package request

// Set holds unique requests keyed by FullPath in discovery order.
type Set struct {
	index map[string]int
	items []*ExtractedRequest
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{index: make(map[string]int)}
}

// Add stores req unless a request with the same FullPath is already
// present. It reports whether req was added.
func (s *Set) Add(req *ExtractedRequest) bool {
	if req == nil {
		return false
	}
	if _, exists := s.index[req.FullPath]; exists {
		return false
	}
	s.index[req.FullPath] = len(s.items)
	s.items = append(s.items, req)
	return true
}

// Get looks up a request by its FullPath.
func (s *Set) Get(fullPath string) (*ExtractedRequest, bool) {
	i, ok := s.index[fullPath]
	if !ok {
		return nil, false
	}
	return s.items[i], true
}

// Len reports the number of unique requests.
func (s *Set) Len() int {
	return len(s.items)
}

// All returns the requests in discovery order.
func (s *Set) All() []*ExtractedRequest {
	out := make([]*ExtractedRequest, len(s.items))
	copy(out, s.items)
	return out
}

// Views returns the distinct view names in discovery order.
func (s *Set) Views() []string {
	seen := make(map[string]struct{})
	var views []string
	for _, req := range s.items {
		if _, ok := seen[req.View]; ok {
			continue
		}
		seen[req.View] = struct{}{}
		views = append(views, req.View)
	}
	return views
}
