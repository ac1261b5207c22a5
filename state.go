package stepflow

// State is the mutable data carried through a run. Nodes read and write
// Data; Metadata holds bookkeeping that steps may consult but that the
// engine never interprets.
//
// State is not safe for concurrent mutation. The engine owns the state
// for the duration of a run; observers see value-copied snapshots taken
// via Snapshot.
type State struct {
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata"`
}

// NewState creates an empty state.
func NewState() *State {
	return &State{
		Data:     make(map[string]any),
		Metadata: make(map[string]any),
	}
}

// NewStateWith creates a state seeded with the given data. The map is
// copied shallowly; nested values are shared with the caller.
func NewStateWith(data map[string]any) *State {
	st := NewState()
	for k, v := range data {
		st.Data[k] = v
	}
	return st
}

// Get returns the value stored under key, or nil when the key is absent.
// Absent keys and keys explicitly set to nil are indistinguishable here;
// use Lookup to tell them apart.
func (s *State) Get(key string) any {
	return s.Data[key]
}

// Lookup returns the value stored under key and whether it was present.
func (s *State) Lookup(key string) (any, bool) {
	v, ok := s.Data[key]
	return v, ok
}

// Set stores value under key.
func (s *State) Set(key string, value any) {
	s.Data[key] = value
}

// Update merges the given map into the state, overwriting existing keys.
func (s *State) Update(data map[string]any) {
	for k, v := range data {
		s.Data[k] = v
	}
}

// Snapshot returns a value copy of Data. Maps and slices are copied
// recursively, so later mutation of the live state never alters a
// snapshot already handed to an observer or appended to a log entry.
func (s *State) Snapshot() map[string]any {
	return copyMap(s.Data)
}

// Clone returns a deep copy of the state, including metadata.
func (s *State) Clone() *State {
	return &State{
		Data:     copyMap(s.Data),
		Metadata: copyMap(s.Metadata),
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
