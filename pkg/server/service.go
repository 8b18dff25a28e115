package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"taskbroker/pkg/datastore"
	"taskbroker/pkg/protocol"
)

// registration is the manifest a service sends when it starts.
type registration struct {
	protocol.ServiceDescriptor
	Heuristics []registrationHeuristic `json:"heuristics"`
}

// registrationHeuristic accepts numeric or string ids and a single attack id
// or a list of them.
type registrationHeuristic struct {
	HeurID         any    `json:"heur_id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	FileType       string `json:"filetype"`
	Score          int    `json:"score"`
	AttackID       any    `json:"attack_id"`
	Classification string `json:"classification"`
}

func (h registrationHeuristic) resolve(service string) (protocol.Heuristic, error) {
	var id string
	switch v := h.HeurID.(type) {
	case string:
		id = v
	case float64:
		id = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return protocol.Heuristic{}, xerrors.Errorf("invalid heur_id %v", h.HeurID)
	}
	if id == "" || h.Name == "" {
		return protocol.Heuristic{}, xerrors.Errorf("heuristic %q is missing an id or a name", id)
	}

	var attack string
	switch v := h.AttackID.(type) {
	case string:
		attack = v
	case []any:
		if len(v) > 0 {
			attack, _ = v[0].(string)
		}
	}
	return protocol.Heuristic{
		HeurID:         strings.ToUpper(service) + "." + id,
		Name:           h.Name,
		Description:    h.Description,
		FileType:       h.FileType,
		Score:          h.Score,
		AttackID:       attack,
		Classification: h.Classification,
	}, nil
}

// registerService saves a service manifest and its heuristics. keep_alive
// is false when this name and version were not known before, telling the
// container to restart with its new configuration.
func (s *Server) registerService(w http.ResponseWriter, r *http.Request, hello *protocol.Hello) {
	if s.services == nil {
		writeError(w, http.StatusNotFound, "service registration is not available")
		return
	}
	var reg registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid service manifest: "+err.Error())
		return
	}
	svc := reg.ServiceDescriptor
	svc.Version = strings.ReplaceAll(svc.Version, "stable", "")
	if svc.Name == "" || svc.Version == "" {
		writeError(w, http.StatusBadRequest, "service manifest needs a name and a version")
		return
	}

	heuristics := make([]protocol.Heuristic, 0, len(reg.Heuristics))
	for i, h := range reg.Heuristics {
		resolved, err := h.resolve(svc.Name)
		if err != nil {
			log.Errorw("invalid heuristic ignored",
				"container", hello.ContainerID, "service", svc.Name, "index", i, "error", err)
			writeError(w, http.StatusBadRequest, "Error parsing heuristics")
			return
		}
		heuristics = append(heuristics, resolved)
	}

	ctx := r.Context()
	created, err := s.services.SaveService(ctx, svc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if created {
		log.Infow("service registered", "container", hello.ContainerID, "service", svc.Name, "version", svc.Version)
	}

	changed := []string{}
	if len(heuristics) > 0 {
		changed, err = s.services.SaveHeuristics(ctx, heuristics)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, id := range changed {
			log.Infow("heuristic saved", "container", hello.ContainerID, "service", svc.Name, "heur_id", id)
		}
		if changed == nil {
			changed = []string{}
		}
	}

	current, err := s.services.GetService(ctx, svc.Name)
	if err != nil && !errors.Is(err, datastore.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var config any = map[string]any{}
	if current != nil {
		config = current
	}
	writeOK(w, map[string]any{
		"keep_alive":     !created,
		"new_heuristics": changed,
		"service_config": config,
	})
}

// statusReport is what GET /api/v1/status/ returns.
type statusReport struct {
	Sessions []sessionStatus `json:"sessions"`
	Queues   map[string]int  `json:"queues"`
}

type sessionStatus struct {
	ID             string `json:"id"`
	ContainerID    string `json:"container_id"`
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Transport      string `json:"transport"`
	Status         string `json:"status"`
	SID            string `json:"sid,omitempty"`
	Deadline       string `json:"deadline,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, _ *protocol.Hello) {
	report := statusReport{Sessions: []sessionStatus{}, Queues: map[string]int{}}
	for _, info := range s.broker.Sessions() {
		st := sessionStatus{
			ID:             info.ID,
			ContainerID:    info.ContainerID,
			ServiceName:    info.ServiceName,
			ServiceVersion: info.ServiceVersion,
			Transport:      info.Transport,
			Status:         string(info.Status),
			SID:            info.SID,
		}
		if info.Deadline != nil {
			st.Deadline = info.Deadline.UTC().Format("2006-01-02T15:04:05Z")
		}
		report.Sessions = append(report.Sessions, st)
	}

	if s.queue != nil {
		ctx := r.Context()
		names, err := s.queue.Services(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, name := range names {
			n, err := s.queue.Length(ctx, name)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			report.Queues[name] = n
		}
	}
	writeOK(w, report)
}
