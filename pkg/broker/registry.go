package broker

import (
	"context"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"taskbroker/pkg/protocol"
)

// --- Sessions ---

// AssignmentStatus is where a worker is in its task cycle.
type AssignmentStatus string

// Assignment states.
const (
	StatusNone       AssignmentStatus = "NONE"       // Connected, has not asked for work.
	StatusWaiting    AssignmentStatus = "WAITING"    // Asked for work, nothing assigned.
	StatusProcessing AssignmentStatus = "PROCESSING" // Holds a task until done_task or disconnect.
)

// Assignment is the task a worker currently holds, if any.
type Assignment struct {
	Status   AssignmentStatus
	Task     *protocol.Task
	Deadline time.Time
}

// Notifier delivers a task to the worker behind a session.
type Notifier interface {
	Notify(ctx context.Context, t *protocol.Task) error
}

// Session is one connected worker. Identity fields are fixed at Register;
// the assignment is only touched under the registry lock.
type Session struct {
	ID             string
	ContainerID    string
	ServiceName    string
	ServiceVersion string
	ToolVersion    string
	Timeout        time.Duration
	IP             string
	Transport      string
	ConnectedAt    time.Time

	notifier   Notifier
	assignment Assignment
}

// SessionInfo is a point-in-time copy of a session for reporting.
type SessionInfo struct {
	ID             string           `json:"id"`
	ContainerID    string           `json:"container_id"`
	ServiceName    string           `json:"service_name"`
	ServiceVersion string           `json:"service_version"`
	Transport      string           `json:"transport"`
	IP             string           `json:"ip,omitempty"`
	Status         AssignmentStatus `json:"status"`
	SID            string           `json:"sid,omitempty"`
	Deadline       *time.Time       `json:"deadline,omitempty"`
	Free           bool             `json:"free"`
	Banned         bool             `json:"banned"`
}

// --- Registry ---

// Registry tracks connected workers, the per-service free pools, the banned
// set and the services that have a running dispatch loop. A single mutex
// guards all of it; no method calls another while holding it and no I/O
// happens under it.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	byContainer map[string]string
	free        map[string][]string // service -> worker ids, in arrival order
	banned      map[string]struct{}
	watching    map[string]struct{}

	// intn picks the random free worker; tests may pin it.
	intn func(n int) int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		byContainer: make(map[string]string),
		free:        make(map[string][]string),
		banned:      make(map[string]struct{}),
		watching:    make(map[string]struct{}),
		intn:        rand.IntN,
	}
}

// Register adds s. If another session holds the same container id it is
// removed and returned along with its assignment, so the caller can treat it
// as disconnected.
func (r *Registry) Register(s *Session) (*Session, Assignment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		old *Session
		asg Assignment
	)
	if prevID, ok := r.byContainer[s.ContainerID]; ok && prevID != s.ID {
		old, asg, _ = r.unregisterLocked(prevID)
	}
	s.assignment = Assignment{Status: StatusNone}
	r.sessions[s.ID] = s
	r.byContainer[s.ContainerID] = s.ID
	return old, asg
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ByContainer returns the session registered for a container id.
func (r *Registry) ByContainer(containerID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byContainer[containerID]
	if !ok {
		return nil, false
	}
	return r.sessions[id], true
}

// MarkWaiting puts the worker in its service's free pool. It reports whether
// the caller must start the service's dispatch loop; at most one caller gets
// true until ReleaseWatch.
func (r *Registry) MarkWaiting(id string) (service string, startLoop bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return "", false, &protocol.WorkerNotFoundError{WorkerID: id}
	}
	if !slices.Contains(r.free[s.ServiceName], id) {
		r.free[s.ServiceName] = append(r.free[s.ServiceName], id)
	}
	if s.assignment.Status != StatusProcessing {
		s.assignment = Assignment{Status: StatusWaiting}
	}
	if _, running := r.watching[s.ServiceName]; running {
		return s.ServiceName, false, nil
	}
	r.watching[s.ServiceName] = struct{}{}
	return s.ServiceName, true, nil
}

// ReleaseWatch removes service from the watch set, unless a free worker
// arrived in the meantime. It reports whether the entry was removed; when it
// was not, the caller's loop must keep running.
func (r *Registry) ReleaseWatch(service string, force bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !force && len(r.eligibleLocked(service)) > 0 {
		return false
	}
	delete(r.watching, service)
	return true
}

// Watching reports whether service has a running dispatch loop.
func (r *Registry) Watching(service string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.watching[service]
	return ok
}

// SelectFree picks a uniformly random worker of service that is in the free
// pool and not banned.
func (r *Registry) SelectFree(service string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectFreeLocked(service)
}

// Assign bans the worker and records task as its assignment.
func (r *Registry) Assign(id string, t *protocol.Task, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return &protocol.WorkerNotFoundError{WorkerID: id}
	}
	r.assignLocked(s, t, now)
	return nil
}

// Claim selects a free worker of service and assigns t to it in one step.
func (r *Registry) Claim(service string, t *protocol.Task, now time.Time) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.selectFreeLocked(service)
	if !ok {
		return nil, false
	}
	r.assignLocked(s, t, now)
	return s, true
}

// Complete unbans the worker and clears its assignment. It reports whether
// the worker actually held one; repeated calls return false. Free pool
// membership is unchanged.
func (r *Registry) Complete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	_, wasBanned := r.banned[id]
	delete(r.banned, id)
	held := s.assignment.Status == StatusProcessing
	s.assignment = Assignment{Status: StatusNone}
	return held || wasBanned
}

// Unregister removes the worker from every structure and returns the
// assignment it held.
func (r *Registry) Unregister(id string) (*Session, Assignment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(id)
}

// UnregisterIdle removes the worker unless it is processing a task. It
// reports whether the worker was removed.
func (r *Registry) UnregisterIdle(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return true
	}
	if s.assignment.Status == StatusProcessing {
		return false
	}
	r.unregisterLocked(id)
	return true
}

// ProcessingPeer reports whether another connected worker of the same
// service and version is processing the same file of the same submission
// and still inside its deadline.
func (r *Registry) ProcessingPeer(service, version, sid, sha256 string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		a := s.assignment
		if s.ServiceName != service || s.ServiceVersion != version || a.Status != StatusProcessing || a.Task == nil {
			continue
		}
		if a.Task.SID == sid && a.Task.FileInfo.SHA256 == sha256 && now.Before(a.Deadline) {
			return true
		}
	}
	return false
}

// Snapshot copies every session, ordered by service then id.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SessionInfo, 0, len(r.sessions))
	for id, s := range r.sessions {
		_, banned := r.banned[id]
		info := SessionInfo{
			ID:             id,
			ContainerID:    s.ContainerID,
			ServiceName:    s.ServiceName,
			ServiceVersion: s.ServiceVersion,
			Transport:      s.Transport,
			IP:             s.IP,
			Status:         s.assignment.Status,
			Free:           slices.Contains(r.free[s.ServiceName], id),
			Banned:         banned,
		}
		if s.assignment.Task != nil {
			info.SID = s.assignment.Task.SID
			d := s.assignment.Deadline
			info.Deadline = &d
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceName != out[j].ServiceName {
			return out[i].ServiceName < out[j].ServiceName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of connected workers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// --- Locked helpers (caller holds r.mu) ---

func (r *Registry) eligibleLocked(service string) []string {
	var ids []string
	for _, id := range r.free[service] {
		if _, banned := r.banned[id]; !banned {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) selectFreeLocked(service string) (*Session, bool) {
	ids := r.eligibleLocked(service)
	if len(ids) == 0 {
		return nil, false
	}
	return r.sessions[ids[r.intn(len(ids))]], true
}

func (r *Registry) assignLocked(s *Session, t *protocol.Task, now time.Time) {
	r.banned[s.ID] = struct{}{}
	s.assignment = Assignment{
		Status:   StatusProcessing,
		Task:     t,
		Deadline: now.Add(s.Timeout),
	}
}

func (r *Registry) unregisterLocked(id string) (*Session, Assignment, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, Assignment{}, false
	}
	asg := s.assignment
	delete(r.sessions, id)
	delete(r.banned, id)
	if r.byContainer[s.ContainerID] == id {
		delete(r.byContainer, s.ContainerID)
	}
	r.free[s.ServiceName] = slices.DeleteFunc(r.free[s.ServiceName], func(v string) bool { return v == id })
	if len(r.free[s.ServiceName]) == 0 {
		delete(r.free, s.ServiceName)
	}
	s.assignment = Assignment{Status: StatusNone}
	return s, asg, true
}
