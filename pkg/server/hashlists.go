package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"taskbroker/pkg/datastore"
	"taskbroker/pkg/protocol"
)

// --- Safelist / badlist ---

func (s *Server) safelisted(w http.ResponseWriter, r *http.Request, _ *protocol.Hello) {
	item, err := s.lists.GetSafelist(r.Context(), mux.Vars(r)["qhash"])
	writeListItem(w, item, err, "The hash was not found in the safelist.")
}

func (s *Server) badlisted(w http.ResponseWriter, r *http.Request, _ *protocol.Hello) {
	item, err := s.lists.GetBadlist(r.Context(), mux.Vars(r)["qhash"])
	writeListItem(w, item, err, "The hash was not found in the badlist.")
}

func writeListItem(w http.ResponseWriter, item *protocol.ListItem, err error, missing string) {
	if errors.Is(err, datastore.ErrNotFound) {
		writeAPI(w, http.StatusNotFound, nil, missing)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, item)
}

// badlistedTags lists badlisted tag values by type. tag_types narrows the
// answer to a comma separated set of types; tags is accepted as an alias.
func (s *Server) badlistedTags(w http.ResponseWriter, r *http.Request, _ *protocol.Hello) {
	q := r.URL.Query()
	raw := q.Get("tag_types")
	if raw == "" {
		raw = q.Get("tags")
	}
	var types []string
	for _, tt := range strings.Split(raw, ",") {
		if tt = strings.TrimSpace(tt); tt != "" {
			types = append(types, tt)
		}
	}
	tags, err := s.lists.BadlistedTags(r.Context(), types)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, tags)
}

// badlistByTags returns the badlist items matching a {tag_type: [values]}
// body.
func (s *Server) badlistByTags(w http.ResponseWriter, r *http.Request, _ *protocol.Hello) {
	var tags map[string][]string
	if err := json.NewDecoder(r.Body).Decode(&tags); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	items, err := s.lists.BadlistByTags(r.Context(), tags)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, nonNil(items))
}

// badlistByFuzzyHash returns the badlist items sharing an ssdeep or tlsh
// hash given as {"<kind>": "<hash>"}.
func (s *Server) badlistByFuzzyHash(w http.ResponseWriter, r *http.Request, _ *protocol.Hello) {
	kind := mux.Vars(r)["kind"]
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	value := body[kind]
	if value == "" {
		writeError(w, http.StatusBadRequest, "You need to provide a "+kind+" hash to search for")
		return
	}
	items, err := s.lists.BadlistByFuzzyHash(r.Context(), kind, value)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, nonNil(items))
}

func nonNil(items []protocol.ListItem) []protocol.ListItem {
	if items == nil {
		return []protocol.ListItem{}
	}
	return items
}
