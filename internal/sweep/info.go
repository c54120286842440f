package sweep

// Info is the serializable view of a sweep for job-control surfaces.
type Info struct {
	ID       string   `json:"id"`
	Kind     Kind     `json:"kind"`
	Name     string   `json:"name,omitempty"`
	Columns  []Column `json:"columns"`
	Followed []string `json:"followed"`
	ProgressState
}

// Describe returns the current view of s.
func Describe(s Sweep) Info {
	return Info{
		ID:            s.ID(),
		Kind:          s.Kind(),
		Name:          s.Name(),
		Columns:       s.Columns(),
		Followed:      followNames(s.Followed()),
		ProgressState: s.Progress(),
	}
}

// QueueInfo is the serializable view of a queue.
type QueueInfo struct {
	Status    QueueStatus `json:"status"`
	Current   string      `json:"current,omitempty"`
	LastError string      `json:"last_error,omitempty"`
	Entries   []EntryInfo `json:"entries"`
}

// Info returns the current view of q.
func (q *Queue) Info() QueueInfo {
	info := QueueInfo{Status: q.Status(), Entries: q.Entries()}
	if cur := q.Current(); cur != nil {
		info.Current = cur.ID()
	}
	if err := q.LastError(); err != nil {
		info.LastError = err.Error()
	}
	return info
}
