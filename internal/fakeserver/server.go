// Package fakeserver implements an in-memory report server speaking the
// REST surface the client uses. Tests run it behind httptest; package
// fakeinstance runs it as a spawned server process.
package fakeserver

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/reportsync/api"
	"pkt.systems/reportsync/internal/svcfields"
	"pkt.systems/reportsync/resource"
)

// Options configures a Server.
type Options struct {
	// Version is the advertised API version. Zero means 1.0.
	Version float64
	// ACLs is the initial ACL flag.
	ACLs bool
	// Username and Password enable basic auth when Username is non-empty.
	Username string
	Password string
	Logger   pslog.Logger
}

// Request records one handled request.
type Request struct {
	Method string
	Path   string
	GUID   string
}

// Server is an in-memory report server. The zero value is not usable; call New.
type Server struct {
	mu       sync.Mutex
	version  float64
	acls     bool
	username string
	password string
	logger   pslog.Logger
	objects  map[string]map[string]map[string]any
	files    map[string][]byte
	tokens   map[string]string
	requests []Request
}

// New returns an empty server.
func New(opts Options) *Server {
	if opts.Version == 0 {
		opts.Version = 1.0
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Server{
		version:  opts.Version,
		acls:     opts.ACLs,
		username: opts.Username,
		password: opts.Password,
		logger:   svcfields.WithSubsystem(logger, "fakeserver"),
		objects:  make(map[string]map[string]map[string]any),
		files:    make(map[string][]byte),
		tokens:   make(map[string]string),
	}
}

// SetACLs toggles the ACL flag reported by the version endpoint.
func (s *Server) SetACLs(enabled bool) {
	s.mu.Lock()
	s.acls = enabled
	s.mu.Unlock()
}

// Object returns a copy of the stored fields for guid under endpoint.
func (s *Server) Object(endpoint, guid string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[endpoint][guid]
	if !ok {
		return nil, false
	}
	return copyFields(obj), true
}

// Count returns the number of objects stored under endpoint.
func (s *Server) Count(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects[endpoint])
}

// Forget drops an object without going through the API, simulating a
// record removed by someone else.
func (s *Server) Forget(endpoint, guid string) {
	s.mu.Lock()
	delete(s.objects[endpoint], guid)
	s.mu.Unlock()
}

// File returns uploaded file content.
func (s *Server) File(guid string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.files[guid]...)
}

// Requests returns the handled requests in order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// ResetRequests clears the request log.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	s.requests = nil
	s.mu.Unlock()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	guid := ""
	if len(parts) >= 3 {
		guid = parts[2]
	}
	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, GUID: guid})
	s.mu.Unlock()
	s.logger.Trace("fakeserver.request", "method", r.Method, "path", r.URL.Path)

	if s.username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.username || pass != s.password {
			writeJSON(w, http.StatusForbidden, api.ErrorResponse{Detail: "Authentication credentials were not provided."})
			return
		}
	}
	switch {
	case r.URL.Path == api.VersionPath:
		s.handleVersion(w, r)
	case r.URL.Path == api.MagicTokenPath:
		s.handleMagicToken(w, r)
	case r.URL.Path == api.MagicTokenVerifyPath:
		s.handleMagicTokenVerify(w, r)
	case len(parts) == 3 && parts[0] == "item" && parts[1] == "api_file":
		s.handleFile(w, r, parts[2])
	case len(parts) == 2 && parts[1] == "api_list" && knownEndpoint(parts[0]):
		s.handleList(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "api_detail" && knownEndpoint(parts[0]):
		s.handleDetail(w, r, parts[0], parts[2])
	default:
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Detail: "Not found."})
	}
}

func knownEndpoint(ep string) bool {
	_, ok := endpointKinds[ep]
	return ok
}

var endpointKinds = func() map[string]resource.Kind {
	out := make(map[string]resource.Kind, len(resource.Kinds))
	for _, k := range resource.Kinds {
		out[k.Endpoint()] = k
	}
	return out
}()

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, api.ErrorResponse{Detail: "Method not allowed."})
		return
	}
	s.mu.Lock()
	resp := api.VersionResponse{Version: s.version, ACLs: s.acls, Product: "fakeserver"}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMagicToken(w http.ResponseWriter, r *http.Request) {
	var req api.MagicTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{ErrorCode: "invalid_body", Detail: err.Error()})
		return
	}
	user := req.Username
	if user == "" {
		user, _, _ = r.BasicAuth()
	}
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	token := hex.EncodeToString(buf)
	ttl := req.ExpiresInSeconds
	if ttl <= 0 {
		ttl = 60
	}
	s.mu.Lock()
	s.tokens[token] = user
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, api.MagicTokenResponse{Token: token, ExpiresAt: time.Now().Unix() + ttl})
}

func (s *Server) handleMagicTokenVerify(w http.ResponseWriter, r *http.Request) {
	var req api.MagicTokenVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{ErrorCode: "invalid_body", Detail: err.Error()})
		return
	}
	s.mu.Lock()
	user, ok := s.tokens[req.Token]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, api.MagicTokenVerifyResponse{Valid: ok, Username: user})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, ep string) {
	switch r.Method {
	case http.MethodGet:
		query, err := resource.ParseQuery(r.URL.Query().Get("query"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse{ErrorCode: "invalid_query", Detail: err.Error()})
			return
		}
		s.mu.Lock()
		rows := make([]map[string]any, 0, len(s.objects[ep]))
		for _, obj := range s.objects[ep] {
			ok, err := s.matchLocked(ep, obj, query)
			if err != nil {
				s.mu.Unlock()
				writeJSON(w, http.StatusBadRequest, api.ErrorResponse{ErrorCode: "invalid_query", Detail: err.Error()})
				return
			}
			if ok {
				rows = append(rows, copyFields(obj))
			}
		}
		s.mu.Unlock()
		sort.Slice(rows, func(i, j int) bool { return fmt.Sprint(rows[i]["guid"]) < fmt.Sprint(rows[j]["guid"]) })
		writeJSON(w, http.StatusOK, rows)
	case http.MethodPost:
		fields, ok := readFields(w, r)
		if !ok {
			return
		}
		guid := fmt.Sprint(fields["guid"])
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, exists := s.objects[ep][guid]; exists {
			writeJSON(w, http.StatusBadRequest, map[string][]string{"guid": {"object with this guid already exists."}})
			return
		}
		if !s.validateLocked(w, ep, fields) {
			return
		}
		s.storeLocked(ep, guid, fields)
		writeJSON(w, http.StatusCreated, fields)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, api.ErrorResponse{Detail: "Method not allowed."})
	}
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request, ep, guid string) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		obj, ok := s.objects[ep][guid]
		if ok {
			obj = copyFields(obj)
		}
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, api.ErrorResponse{Detail: "Not found."})
			return
		}
		writeJSON(w, http.StatusOK, obj)
	case http.MethodPut:
		fields, ok := readFields(w, r)
		if !ok {
			return
		}
		if got := fmt.Sprint(fields["guid"]); got != guid {
			writeJSON(w, http.StatusBadRequest, map[string][]string{"guid": {"guid does not match the url."}})
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.validateLocked(w, ep, fields) {
			return
		}
		s.storeLocked(ep, guid, fields)
		writeJSON(w, http.StatusOK, fields)
	case http.MethodDelete:
		s.mu.Lock()
		_, ok := s.objects[ep][guid]
		delete(s.objects[ep], guid)
		delete(s.files, guid)
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, api.ErrorResponse{Detail: "Not found."})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, api.ErrorResponse{Detail: "Method not allowed."})
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request, guid string) {
	switch r.Method {
	case http.MethodPut, http.MethodPost:
		s.mu.Lock()
		_, ok := s.objects["item"][guid]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, api.ErrorResponse{Detail: "Not found."})
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse{ErrorCode: "invalid_body", Detail: err.Error()})
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string][]string{"file": {"No file was submitted."}})
			return
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse{ErrorCode: "invalid_body", Detail: err.Error()})
			return
		}
		s.mu.Lock()
		s.files[guid] = data
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		s.mu.Lock()
		data, ok := s.files[guid]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, api.ErrorResponse{Detail: "Not found."})
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, api.ErrorResponse{Detail: "Method not allowed."})
	}
}

// validateLocked enforces foreign keys and the payload encoding matching the
// advertised version.
func (s *Server) validateLocked(w http.ResponseWriter, ep string, fields map[string]any) bool {
	var refs []struct{ field, ep string }
	switch endpointKinds[ep] {
	case resource.KindItem:
		refs = append(refs, struct{ field, ep string }{"session", "session"}, struct{ field, ep string }{"dataset", "dataset"})
		if msg := s.checkPayloadLocked(fields); msg != "" {
			writeJSON(w, http.StatusBadRequest, map[string][]string{"payloaddata": {msg}})
			return false
		}
	case resource.KindTemplate:
		refs = append(refs, struct{ field, ep string }{"parent", "reports"})
		if children, ok := fields["children"].([]any); ok {
			for _, c := range children {
				id := fmt.Sprint(c)
				if _, ok := s.objects["reports"][id]; !ok {
					writeJSON(w, http.StatusBadRequest, map[string][]string{"children": {fmt.Sprintf("Invalid pk %q - object does not exist.", id)}})
					return false
				}
			}
		}
	}
	for _, ref := range refs {
		raw, ok := fields[ref.field]
		if !ok || raw == nil || raw == "" {
			if ref.field == "parent" {
				continue
			}
			writeJSON(w, http.StatusBadRequest, map[string][]string{ref.field: {"This field may not be null."}})
			return false
		}
		id := fmt.Sprint(raw)
		if _, exists := s.objects[ref.ep][id]; !exists {
			writeJSON(w, http.StatusBadRequest, map[string][]string{ref.field: {fmt.Sprintf("Invalid pk %q - object does not exist.", id)}})
			return false
		}
	}
	return true
}

func (s *Server) checkPayloadLocked(fields map[string]any) string {
	data, _ := fields["payloaddata"].(string)
	if data == "" || fields["type"] == string(resource.PayloadNone) {
		return ""
	}
	legacy := resource.APIVersion(s.version).Legacy()
	marked := strings.HasPrefix(data, resource.LegacyMarker)
	switch {
	case legacy && !marked:
		return "legacy servers require pickled payloads"
	case !legacy && marked:
		return "pickled payloads are not accepted"
	}
	if _, err := resource.DecodeValue(data); err != nil {
		return err.Error()
	}
	return ""
}

func (s *Server) storeLocked(ep, guid string, fields map[string]any) {
	if s.objects[ep] == nil {
		s.objects[ep] = make(map[string]map[string]any)
	}
	s.objects[ep][guid] = copyFields(fields)
}

// matchLocked evaluates a query against obj. Stanzas are folded left to
// right. Item queries may filter on the referenced session (s_) and
// dataset (d_).
func (s *Server) matchLocked(ep string, obj map[string]any, q resource.Query) (bool, error) {
	result := true
	for i, st := range q {
		target, field, err := s.resolveFieldLocked(ep, obj, st.Field)
		if err != nil {
			return false, err
		}
		ok, err := compare(target, field, st.Op, st.Value)
		if err != nil {
			return false, err
		}
		switch {
		case i == 0:
			result = ok
		case st.Link == resource.LinkOr:
			result = result || ok
		default:
			result = result && ok
		}
	}
	return result, nil
}

func (s *Server) resolveFieldLocked(ep string, obj map[string]any, field string) (map[string]any, string, error) {
	prefix, name := field[:2], field[2:]
	own := map[string]string{"item": resource.PrefixItem, "session": resource.PrefixSession, "dataset": resource.PrefixDataset, "reports": resource.PrefixTemplate}[ep]
	if prefix == own {
		return obj, name, nil
	}
	if ep == "item" {
		switch prefix {
		case resource.PrefixSession:
			return s.objects["session"][fmt.Sprint(obj["session"])], name, nil
		case resource.PrefixDataset:
			return s.objects["dataset"][fmt.Sprint(obj["dataset"])], name, nil
		}
	}
	return nil, "", fmt.Errorf("field %q cannot filter %s", field, ep)
}

func compare(obj map[string]any, field, op, value string) (bool, error) {
	if obj == nil {
		return false, nil
	}
	var actual string
	switch v := obj[field].(type) {
	case nil:
	case string:
		actual = v
	case float64:
		actual = fmt.Sprint(v)
	default:
		data, _ := json.Marshal(v)
		actual = string(data)
	}
	if field == "tags" {
		switch op {
		case "cont":
			for _, tok := range resource.ParseTags(actual) {
				if tok.Key == value || tok.String() == value {
					return true, nil
				}
			}
			return false, nil
		case "ncont":
			ok, _ := compare(obj, field, "cont", value)
			return !ok, nil
		}
	}
	switch op {
	case "eq":
		return actual == value, nil
	case "ne", "neq":
		return actual != value, nil
	case "cont":
		return strings.Contains(actual, value), nil
	case "ncont":
		return !strings.Contains(actual, value), nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func readFields(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{ErrorCode: "invalid_body", Detail: err.Error()})
		return nil, false
	}
	if _, ok := fields["guid"]; !ok {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"guid": {"This field is required."}})
		return nil, false
	}
	return fields, true
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
