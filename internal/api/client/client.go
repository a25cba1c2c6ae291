// Package client implements the token-authenticated client HTTP plane: a
// tus.io upload-resumption subset and direct file download. Unlike the
// manager plane (internal/api/manager), there is no shared secret here —
// every request carries its own signed capability in the URL path.
package client

import (
	"io"
	"net/http"
	"strconv"

	"github.com/backdotai/storage-proxy/internal/apperr"
	"github.com/backdotai/storage-proxy/internal/log"
	"github.com/backdotai/storage-proxy/internal/router"
	"github.com/backdotai/storage-proxy/internal/token"
	"github.com/backdotai/storage-proxy/internal/upload"
)

const (
	tusResumable = "1.0.0"
	tusVersion   = "1.0.0"
)

// Server is the client HTTP plane.
type Server struct {
	mux           *http.ServeMux
	router        *router.Router
	minter        *token.Minter
	uploads       *upload.Store
	maxUploadSize int64
}

// New builds a client Server resolving volumes through r, verifying tokens
// with minter, and advertising maxUploadSize via tus discovery.
func New(r *router.Router, minter *token.Minter, maxUploadSize int64) *Server {
	s := &Server{
		mux:           http.NewServeMux(),
		router:        r,
		minter:        minter,
		uploads:       upload.New(),
		maxUploadSize: maxUploadSize,
	}
	s.routes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("OPTIONS /upload/{token}", s.recovered(s.handleUploadOptions))
	s.mux.HandleFunc("HEAD /upload/{token}", s.recovered(s.handleUploadHead))
	s.mux.HandleFunc("PATCH /upload/{token}", s.recovered(s.handleUploadPatch))
	s.mux.HandleFunc("GET /download/{token}", s.recovered(s.handleDownload))
}

func (s *Server) recovered(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("client handler panic")
				apperr.WriteHTTP(w, apperr.New(apperr.IO, "internal error"))
			}
		}()
		setCORS(w)
		next(w, r)
	}
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "OPTIONS, HEAD, PATCH, GET")
	w.Header().Set("Access-Control-Allow-Headers", "Tus-Resumable, Upload-Offset, Upload-Length, Content-Type")
	w.Header().Set("Access-Control-Expose-Headers", "Tus-Resumable, Upload-Offset, Upload-Length")
}

func (s *Server) handleUploadOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Resumable", tusResumable)
	w.Header().Set("Tus-Version", tusVersion)
	w.Header().Set("Tus-Extension", "creation")
	w.Header().Set("Tus-Max-Size", strconv.FormatInt(s.maxUploadSize, 10))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) verifyUpload(w http.ResponseWriter, r *http.Request) (token.Claims, *router.Handle, bool) {
	claims, err := s.minter.Verify(r.PathValue("token"))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return token.Claims{}, nil, false
	}
	if claims.Op != token.OpUpload {
		apperr.WriteHTTP(w, apperr.New(apperr.InvalidToken, "token is not an upload capability"))
		return token.Claims{}, nil, false
	}
	handle, err := s.router.Acquire(r.Context(), claims.Volume)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return token.Claims{}, nil, false
	}
	return claims, handle, true
}

func (s *Server) handleUploadHead(w http.ResponseWriter, r *http.Request) {
	claims, handle, ok := s.verifyUpload(w, r)
	if !ok {
		return
	}
	offset, err := s.uploads.Offset(r.Context(), handle.Volume, claims.VFID, claims.Session)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.Header().Set("Tus-Resumable", tusResumable)
	w.Header().Set("Upload-Offset", strconv.FormatInt(offset, 10))
	w.Header().Set("Upload-Length", strconv.FormatInt(claims.Size, 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUploadPatch(w http.ResponseWriter, r *http.Request) {
	claims, handle, ok := s.verifyUpload(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxUploadSize+1))
	if err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.IO, "read_patch_body", err))
		return
	}

	var offset int64
	err = handle.Do(func() error {
		var innerErr error
		offset, _, innerErr = s.uploads.Append(r.Context(), handle.Volume, claims.VFID, claims.Session, claims.Relpath, claims.Size, body)
		return innerErr
	})
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	w.Header().Set("Tus-Resumable", tusResumable)
	w.Header().Set("Upload-Offset", strconv.FormatInt(offset, 10))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	claims, err := s.minter.Verify(r.PathValue("token"))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if claims.Op != token.OpDownload {
		apperr.WriteHTTP(w, apperr.New(apperr.InvalidToken, "token is not a download capability"))
		return
	}
	handle, err := s.router.Acquire(r.Context(), claims.Volume)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	var chunks <-chan []byte
	var errCh <-chan error
	err = handle.Do(func() error {
		chunks, errCh = handle.Volume.ReadFile(r.Context(), claims.VFID, claims.Relpath, 0)
		return nil
	})
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	first, chunksOpen := <-chunks
	if !chunksOpen {
		if err := drainErr(errCh); err != nil {
			apperr.WriteHTTP(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+baseName(claims.Relpath)+`"`)
	if chunksOpen {
		if _, err := w.Write(first); err != nil {
			log.Logger.Warn().Err(err).Str("vfid", claims.VFID).Msg("download stream interrupted")
			return
		}
	}
	for chunk := range chunks {
		if _, err := w.Write(chunk); err != nil {
			log.Logger.Warn().Err(err).Str("vfid", claims.VFID).Msg("download stream interrupted")
			return
		}
	}
	if err := drainErr(errCh); err != nil {
		log.Logger.Warn().Err(err).Str("vfid", claims.VFID).Msg("read_file reported an error after streaming began")
	}
}

func drainErr(errCh <-chan error) error {
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func baseName(relpath string) string {
	for i := len(relpath) - 1; i >= 0; i-- {
		if relpath[i] == '/' {
			return relpath[i+1:]
		}
	}
	return relpath
}
