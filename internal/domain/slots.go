package domain

// SlotName names a task parameter.
type SlotName string

const (
	SlotSubject    SlotName = "subject"
	SlotStyle      SlotName = "style"
	SlotPose       SlotName = "pose"
	SlotBackground SlotName = "background"
	SlotMood       SlotName = "mood"
)

// AllSlots lists every slot in prompt order.
var AllSlots = []SlotName{SlotSubject, SlotStyle, SlotPose, SlotBackground, SlotMood}

// Slots maps slot names to extracted values. Absent keys mean unknown.
type Slots map[SlotName]string

// Get returns the value for name, or "".
func (s Slots) Get(name SlotName) string {
	if s == nil {
		return ""
	}
	return s[name]
}

// Has reports whether name holds a non-empty value.
func (s Slots) Has(name SlotName) bool {
	return s.Get(name) != ""
}

// Clone returns an independent copy.
func (s Slots) Clone() Slots {
	out := make(Slots, len(s))
	for k, v := range s {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Merge returns a copy of s where values from other fill absent keys and
// override present ones. Empty values in other are ignored.
func (s Slots) Merge(other Slots) Slots {
	out := s.Clone()
	for k, v := range other {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// FillMissing returns a copy of s with absent keys taken from other.
func (s Slots) FillMissing(other Slots) Slots {
	out := s.Clone()
	for k, v := range other {
		if v != "" && !out.Has(k) {
			out[k] = v
		}
	}
	return out
}

// Missing returns the names in required that have no value, in order.
func (s Slots) Missing(required []SlotName) []SlotName {
	var missing []SlotName
	for _, name := range required {
		if !s.Has(name) {
			missing = append(missing, name)
		}
	}
	return missing
}
