package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"taskbroker/pkg/protocol"
)

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Methods("GET").Path("/healthz").HandlerFunc(s.healthz)
	if s.metrics != nil {
		r.Methods("GET").Path("/metrics").Handler(s.metrics)
	}
	r.Methods("GET").Path("/tasking").HandlerFunc(s.tasking)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Methods("GET").Path("/task/").HandlerFunc(s.authenticated(s.getTask))
	api.Methods("POST").Path("/task/").HandlerFunc(s.authenticated(s.taskFinished))
	api.Methods("GET").Path("/file/{sha256}/").HandlerFunc(s.authenticated(s.downloadFile))
	api.Methods("PUT").Path("/file/{sha256}/").HandlerFunc(s.authenticated(s.uploadFile))
	api.Methods("PUT", "POST").Path("/service/register/").HandlerFunc(s.authenticated(s.registerService))
	api.Methods("GET").Path("/status/").HandlerFunc(s.authenticated(s.status))
	if s.lists != nil {
		api.Methods("GET").Path("/safelist/{qhash}/").HandlerFunc(s.authenticated(s.safelisted))
		api.Methods("GET").Path("/badlist/").HandlerFunc(s.authenticated(s.badlistedTags))
		api.Methods("POST").Path("/badlist/tags/").HandlerFunc(s.authenticated(s.badlistByTags))
		api.Methods("POST").Path("/badlist/{kind:ssdeep|tlsh}/").HandlerFunc(s.authenticated(s.badlistByFuzzyHash))
		api.Methods("GET").Path("/badlist/{qhash}/").HandlerFunc(s.authenticated(s.badlisted))
	}
	return r
}

// --- Responses ---

// apiResponse is the envelope every /api/v1 endpoint answers with.
type apiResponse struct {
	Response     any    `json:"api_response"`
	ErrorMessage string `json:"api_error_message"`
	StatusCode   int    `json:"api_status_code"`
}

func writeAPI(w http.ResponseWriter, status int, body any, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiResponse{Response: body, ErrorMessage: errMsg, StatusCode: status}); err != nil {
		log.Debugw("write response", "error", err)
	}
}

func writeOK(w http.ResponseWriter, body any) {
	writeAPI(w, http.StatusOK, body, "")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeAPI(w, status, "", msg)
}

// statusFor maps broker errors to HTTP statuses.
func statusFor(err error) int {
	var (
		auth      *protocol.AuthenticationError
		malformed *protocol.MalformedPayloadError
		notFound  *protocol.WorkerNotFoundError
		disabled  *protocol.ServiceDisabledError
	)
	switch {
	case errors.As(err, &auth):
		return http.StatusUnauthorized
	case errors.As(err, &malformed):
		return http.StatusBadRequest
	case errors.As(err, &notFound), errors.As(err, &disabled):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok\n"))
}

// --- Auth ---

type authedHandler func(w http.ResponseWriter, r *http.Request, hello *protocol.Hello)

// authenticated checks the API key before anything else, then requires the
// worker identity headers.
func (s *Server) authenticated(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hello, err := s.handshake(r)
		if err != nil {
			status := statusFor(err)
			if status == http.StatusUnauthorized {
				writeError(w, status, "Unauthorized access denied")
				return
			}
			writeError(w, status, err.Error())
			return
		}
		next(w, r, hello)
	}
}

// handshake authenticates r and reads the worker identity from its headers.
func (s *Server) handshake(r *http.Request) (*protocol.Hello, error) {
	key := r.Header.Get(protocol.HeaderAPIKey)
	if key == "" {
		key = r.Header.Get(protocol.HeaderAuthKey)
	}
	probe := &protocol.Hello{
		ContainerID: r.Header.Get(protocol.HeaderContainerID),
		ServiceName: r.Header.Get(protocol.HeaderServiceName),
		AuthKey:     key,
		IP:          clientIP(r),
		Headers:     headerDump(r.Header),
	}
	if probe.ContainerID == "" {
		probe.ContainerID = "Unknown Client"
	}
	if err := s.broker.Authorize(probe); err != nil {
		return nil, err
	}

	hello, err := protocol.HelloFromHeaders(r.Header.Get)
	if err != nil {
		return nil, err
	}
	hello.AuthKey = key
	hello.IP = probe.IP
	return hello, nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get(protocol.HeaderForwardedFor); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// headerDump flattens request headers for the audit log. Key headers are
// left out.
func headerDump(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		if canonical == http.CanonicalHeaderKey(protocol.HeaderAPIKey) ||
			canonical == http.CanonicalHeaderKey(protocol.HeaderAuthKey) {
			continue
		}
		out[canonical] = strings.Join(values, ", ")
	}
	return out
}
