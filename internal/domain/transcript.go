package domain

// Snapshot is the transcript of one identity at a store version.
// Version is 0 for stores that do not track versions.
type Snapshot struct {
	Messages []Message
	Version  int64
}

// Append returns a copy of msgs with extra appended. The input slice is never
// written to, so snapshots handed to listeners stay immutable.
func Append(msgs []Message, extra ...Message) []Message {
	out := make([]Message, 0, len(msgs)+len(extra))
	out = append(out, msgs...)
	return append(out, extra...)
}

// Clone returns an independent copy of msgs.
func Clone(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// WithStatus returns a copy of msgs where the message with id has status s.
// The status is the only field ever changed after creation.
func WithStatus(msgs []Message, id string, s Status) ([]Message, bool) {
	out := Clone(msgs)
	for i := range out {
		if out[i].ID == id {
			out[i].Status = s
			return out, true
		}
	}
	return out, false
}
