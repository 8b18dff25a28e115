package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"taskbroker/pkg/filestore"
	"taskbroker/pkg/protocol"
)

func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request, hello *protocol.Hello) {
	sha := mux.Vars(r)["sha256"]
	if s.files == nil {
		writeError(w, http.StatusNotFound, "The file was not found in the system.")
		return
	}
	rc, size, err := s.files.Get(sha)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			log.Warnw("file requested by service not found",
				"container", hello.ContainerID, "service", hello.ServiceName, "sha256", sha)
			writeError(w, http.StatusNotFound, "The file was not found in the system.")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		log.Debugw("file download interrupted", "sha256", sha, "error", err)
	}
}

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request, hello *protocol.Hello) {
	sha := mux.Vars(r)["sha256"]
	if s.files == nil {
		writeAPI(w, http.StatusBadRequest, map[string]any{"success": false}, "file storage is not configured")
		return
	}
	n, err := s.files.Put(sha, r.Body)
	if err != nil {
		writeAPI(w, http.StatusBadRequest, map[string]any{"success": false}, err.Error())
		return
	}
	log.Infow("file uploaded",
		"container", hello.ContainerID, "service", hello.ServiceName, "sha256", sha, "size", n)
	writeOK(w, map[string]any{"success": true})
}
