// Package manager implements the shared-secret manager HTTP plane: folder
// lifecycle, file operations, and session-token minting.
package manager

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/backdotai/storage-proxy/internal/apperr"
	"github.com/backdotai/storage-proxy/internal/log"
	"github.com/backdotai/storage-proxy/internal/router"
	"github.com/backdotai/storage-proxy/internal/token"
	"github.com/backdotai/storage-proxy/internal/upload"
	"github.com/backdotai/storage-proxy/internal/validate"
	"github.com/backdotai/storage-proxy/internal/volume"
	"github.com/backdotai/storage-proxy/pkg/status"
)

const authHeader = "X-BackendAI-Storage-Auth-Token"

// Server is the manager HTTP plane.
type Server struct {
	mux           *http.ServeMux
	router        *router.Router
	minter        *token.Minter
	secret        string
	sessionExpire time.Duration
	uploads       *upload.Store
	ops           *status.Tracker
}

// New builds a manager Server dispatching through r, minting tokens with
// minter, and requiring secret on every request.
func New(r *router.Router, minter *token.Minter, secret string, sessionExpire time.Duration) *Server {
	s := &Server{
		mux:           http.NewServeMux(),
		router:        r,
		minter:        minter,
		secret:        secret,
		sessionExpire: sessionExpire,
		uploads:       upload.New(),
		ops: status.NewTracker(status.TrackerConfig{
			MaxHistorySize: status.DefaultTrackerConfig().MaxHistorySize,
			HealthTracker:  r.Health(),
		}),
	}
	s.routes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.auth(s.handleStatus))
	s.mux.HandleFunc("/volumes", s.auth(s.handleVolumes))
	s.mux.HandleFunc("GET /status/system", s.auth(s.handleSystemStatus))
	s.mux.HandleFunc("GET /status/{id}", s.auth(s.handleOperationStatus))
	s.mux.HandleFunc("/folder/create", s.auth(s.handleFolderCreate))
	s.mux.HandleFunc("/folder/delete", s.auth(s.handleFolderDelete))
	s.mux.HandleFunc("/folder/clone", s.auth(s.handleFolderClone))
	s.mux.HandleFunc("/folder/mount", s.auth(s.handleFolderMount))
	s.mux.HandleFunc("/folder/usage", s.auth(s.handleFolderUsage))
	s.mux.HandleFunc("/folder/metadata", s.auth(s.handleFolderMetadata))
	s.mux.HandleFunc("/volume/performance-metric", s.auth(s.handlePerformanceMetric))
	s.mux.HandleFunc("/folder/file/mkdir", s.auth(s.handleFileMkdir))
	s.mux.HandleFunc("/folder/file/list", s.auth(s.handleFileList))
	s.mux.HandleFunc("/folder/file/rename", s.auth(s.handleFileRename))
	s.mux.HandleFunc("/folder/file/download", s.auth(s.handleFileDownload))
	s.mux.HandleFunc("/folder/file/upload", s.auth(s.handleFileUpload))
	s.mux.HandleFunc("/folder/file/delete", s.auth(s.handleFileDelete))
}

// auth wraps a handler with constant-time shared-secret verification and
// panic recovery, the manager plane's only middleware chain.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("manager handler panic")
				apperr.WriteHTTP(w, apperr.New(apperr.IO, "internal error"))
			}
		}()

		if subtle.ConstantTimeCompare([]byte(r.Header.Get(authHeader)), []byte(s.secret)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleVolumes(w http.ResponseWriter, r *http.Request) {
	type volInfo struct {
		Name         string   `json:"name"`
		Backend      string   `json:"backend"`
		Path         string   `json:"path"`
		FSPrefix     string   `json:"fsprefix"`
		Capabilities []string `json:"capabilities"`
		Health       string   `json:"health"`
		Breaker      string   `json:"breaker"`
	}
	var out []volInfo
	for _, name := range s.router.Names() {
		v, ok := s.router.Volume(name)
		if !ok {
			continue
		}
		info := v.Info()
		out = append(out, volInfo{
			Name:         info.Name,
			Backend:      info.Backend,
			Path:         info.MountPath,
			FSPrefix:     info.FSPrefix,
			Capabilities: info.Capabilities.Strings(),
			Health:       s.router.Health().GetState(name).String(),
			Breaker:      s.router.BreakerState(name).String(),
		})
	}
	writeJSON(w, map[string]interface{}{"volumes": out})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ops.GetSystemStatus())
}

func (s *Server) handleOperationStatus(w http.ResponseWriter, r *http.Request) {
	op, err := s.ops.GetOperation(r.PathValue("id"))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, op)
}

func (s *Server) handleFolderCreate(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if err := validate.Validate([]validate.Field{
		{Name: "volume", Kind: validate.KindString},
		{Name: "vfid", Kind: validate.KindUUID},
	}, body); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	handle, ok := s.resolve(w, r.Context(), body["volume"].(string))
	if !ok {
		return
	}

	opts := volume.CreateOptions{}
	if rawOpts, present := body["options"].(map[string]interface{}); present {
		if q, present := rawOpts["quota"]; present {
			if f, isFloat := q.(float64); isFloat {
				opts.Quota = int64(f)
			}
		}
	}

	err := handle.Do(func() error {
		return handle.Volume.CreateVFolder(r.Context(), body["vfid"].(string), opts)
	})
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFolderDelete(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if err := validate.Validate([]validate.Field{
		{Name: "volume", Kind: validate.KindString},
		{Name: "vfid", Kind: validate.KindUUID},
	}, body); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	handle, ok := s.resolve(w, r.Context(), body["volume"].(string))
	if !ok {
		return
	}
	err := handle.Do(func() error {
		return handle.Volume.DeleteVFolder(r.Context(), body["vfid"].(string))
	})
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFolderClone(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if err := validate.Validate([]validate.Field{
		{Name: "volume", Kind: validate.KindString},
		{Name: "src_vfid", Kind: validate.KindUUID},
		{Name: "new_vfid", Kind: validate.KindUUID},
	}, body); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	handle, ok := s.resolve(w, r.Context(), body["volume"].(string))
	if !ok {
		return
	}

	srcVFID := body["src_vfid"].(string)
	newVFID := body["new_vfid"].(string)
	op, opCtx := s.ops.StartOperation(r.Context(), "vfolder_clone", map[string]interface{}{
		"volume": body["volume"].(string), "src_vfid": srcVFID, "new_vfid": newVFID,
	})

	err := handle.Do(func() error {
		return handle.Volume.CloneVFolder(opCtx, srcVFID, newVFID)
	})
	w.Header().Set("X-Operation-ID", op.ID)
	if err != nil {
		_ = s.ops.FailOperation(op.ID, err)
		apperr.WriteHTTP(w, err)
		return
	}
	_ = s.ops.CompleteOperation(op.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFolderMount(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if err := validate.Validate([]validate.Field{
		{Name: "volume", Kind: validate.KindString},
		{Name: "vfid", Kind: validate.KindUUID},
	}, body); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	handle, ok := s.resolve(w, r.Context(), body["volume"].(string))
	if !ok {
		return
	}
	path, err := handle.Volume.GetVFolderMount(r.Context(), body["vfid"].(string))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"path": path})
}

func (s *Server) handleFolderUsage(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if err := validate.Validate([]validate.Field{
		{Name: "volume", Kind: validate.KindString},
		{Name: "vfid", Kind: validate.KindUUID},
	}, body); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	handle, ok := s.resolve(w, r.Context(), body["volume"].(string))
	if !ok {
		return
	}
	usage, err := handle.Volume.GetUsage(r.Context(), body["vfid"].(string), "")
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"file_count": usage.FileCount, "used_bytes": usage.UsedBytes})
}

func (s *Server) handleFolderMetadata(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if err := validate.Validate([]validate.Field{
		{Name: "volume", Kind: validate.KindString},
		{Name: "vfid", Kind: validate.KindUUID},
		{Name: "payload", Kind: validate.KindBytes, Optional: true},
	}, body); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	handle, ok := s.resolve(w, r.Context(), body["volume"].(string))
	if !ok {
		return
	}

	if r.Method == http.MethodPost {
		payload, _ := body["payload"].(string)
		if err := handle.Do(func() error {
			return handle.Volume.PutMetadata(r.Context(), body["vfid"].(string), []byte(payload))
		}); err != nil {
			apperr.WriteHTTP(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var data []byte
	err := handle.Do(func() error {
		var innerErr error
		data, innerErr = handle.Volume.GetMetadata(r.Context(), body["vfid"].(string))
		return innerErr
	})
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"payload": string(data)})
}

func (s *Server) handlePerformanceMetric(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if err := validate.Validate([]validate.Field{
		{Name: "volume", Kind: validate.KindString},
	}, body); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	handle, ok := s.resolve(w, r.Context(), body["volume"].(string))
	if !ok {
		return
	}
	metric, err := handle.Volume.GetPerformanceMetric(r.Context(), "")
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"metric": metric})
}

func (s *Server) handleFileMkdir(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if err := validate.Validate([]validate.Field{
		{Name: "volume", Kind: validate.KindString},
		{Name: "vfid", Kind: validate.KindUUID},
		{Name: "relpath", Kind: validate.KindRelpath},
	}, body); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	handle, ok := s.resolve(w, r.Context(), body["volume"].(string))
	if !ok {
		return
	}
	err := handle.Do(func() error {
		return handle.Volume.Mkdir(r.Context(), body["vfid"].(string), body["relpath"].(string), true)
	})
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if err := validate.Validate([]validate.Field{
		{Name: "volume", Kind: validate.KindString},
		{Name: "vfid", Kind: validate.KindUUID},
		{Name: "relpath", Kind: validate.KindRelpath},
	}, body); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	handle, ok := s.resolve(w, r.Context(), body["volume"].(string))
	if !ok {
		return
	}

	out, errCh := handle.Volume.Scandir(r.Context(), body["vfid"].(string), body["relpath"].(string))
	type item struct {
		Name string      `json:"name"`
		Type string      `json:"type"`
		Stat interface{} `json:"stat"`
	}
	var items []item
	for entry := range out {
		items = append(items, item{
			Name: entry.Name,
			Type: string(entry.Type),
			Stat: map[string]interface{}{
				"mode":     uint32(entry.Stat.Mode),
				"size":     entry.Stat.Size,
				"created":  entry.Stat.Created,
				"modified": entry.Stat.Modified,
			},
		})
	}
	if err := drainErr(errCh); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"items": items})
}

func (s *Server) handleFileRename(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if err := validate.Validate([]validate.Field{
		{Name: "volume", Kind: validate.KindString},
		{Name: "vfid", Kind: validate.KindUUID},
		{Name: "relpath", Kind: validate.KindRelpath},
		{Name: "new_name", Kind: validate.KindRelpath},
	}, body); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	handle, ok := s.resolve(w, r.Context(), body["volume"].(string))
	if !ok {
		return
	}

	vfid := body["vfid"].(string)
	src := body["relpath"].(string)
	dst := body["new_name"].(string)

	// move_file rejects directory sources with InvalidAPIParameters; on
	// that specific failure, retry as a tree move. This dispatches by the
	// stat result of src without a dedicated Stat operation on the Volume
	// interface, per SPEC_FULL.md §4's move_tree note.
	err := handle.Do(func() error {
		moveErr := handle.Volume.MoveFile(r.Context(), vfid, src, dst)
		if moveErr == nil {
			return nil
		}
		if apperr.Of(moveErr, apperr.InvalidAPIParameters) {
			return handle.Volume.MoveTree(r.Context(), vfid, src, dst)
		}
		return moveErr
	})
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if err := validate.Validate([]validate.Field{
		{Name: "volume", Kind: validate.KindString},
		{Name: "vfid", Kind: validate.KindUUID},
		{Name: "relpath", Kind: validate.KindRelpath},
	}, body); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if _, ok := s.resolve(w, r.Context(), body["volume"].(string)); !ok {
		return
	}

	tok, err := s.minter.Mint(token.Claims{
		Op:      token.OpDownload,
		Volume:  body["volume"].(string),
		VFID:    body["vfid"].(string),
		Relpath: body["relpath"].(string),
	}, s.sessionExpire)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"token": tok})
}

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if err := validate.Validate([]validate.Field{
		{Name: "volume", Kind: validate.KindString},
		{Name: "vfid", Kind: validate.KindUUID},
		{Name: "relpath", Kind: validate.KindRelpath},
		{Name: "size", Kind: validate.KindByteSize},
	}, body); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	handle, ok := s.resolve(w, r.Context(), body["volume"].(string))
	if !ok {
		return
	}

	vfid := body["vfid"].(string)
	var sid string
	err := handle.Do(func() error {
		var innerErr error
		sid, innerErr = handle.Volume.PrepareUpload(r.Context(), vfid)
		return innerErr
	})
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	size := toInt64(body["size"])
	tok, err := s.minter.Mint(token.Claims{
		Op:      token.OpUpload,
		Volume:  body["volume"].(string),
		VFID:    vfid,
		Relpath: body["relpath"].(string),
		Size:    size,
		Session: sid,
	}, s.sessionExpire)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"token": tok})
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if err := validate.Validate([]validate.Field{
		{Name: "volume", Kind: validate.KindString},
		{Name: "vfid", Kind: validate.KindUUID},
		{Name: "recursive", Kind: validate.KindBool, Optional: true, Default: false},
	}, body); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	rawPaths, ok := body["relpaths"].([]interface{})
	if !ok {
		apperr.WriteHTTP(w, apperr.New(apperr.InvalidAPIParameters, "relpaths must be an array").WithOp("validate"))
		return
	}
	relpaths := make([]string, 0, len(rawPaths))
	for _, p := range rawPaths {
		s, isStr := p.(string)
		if !isStr {
			apperr.WriteHTTP(w, apperr.New(apperr.InvalidAPIParameters, "relpaths must be strings").WithOp("validate"))
			return
		}
		relpaths = append(relpaths, s)
	}

	handle, ok := s.resolve(w, r.Context(), body["volume"].(string))
	if !ok {
		return
	}
	err := handle.Do(func() error {
		return handle.Volume.DeleteFiles(r.Context(), body["vfid"].(string), relpaths, validate.ParseBool(body["recursive"]))
	})
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request) (validate.Body, bool) {
	if r.Body == nil {
		return validate.Body{}, true
	}
	var body validate.Body
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		apperr.WriteHTTP(w, apperr.New(apperr.InvalidAPIParameters, "malformed JSON body").WithOp("decode_body"))
		return nil, false
	}
	return body, true
}

func (s *Server) resolve(w http.ResponseWriter, ctx context.Context, name string) (*router.Handle, bool) {
	handle, err := s.router.Acquire(ctx, name)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return nil, false
	}
	return handle, true
}

func drainErr(errCh <-chan error) error {
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	default:
		return 0
	}
}
