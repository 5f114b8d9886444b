// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package statusapi is a small read-only HTTP introspection surface for a
// reactor.Server: loop count, per-loop connection counts, and uptime.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
)

// Source is the subset of *reactor.Server this package needs. It is
// defined here, rather than imported from the reactor package directly
// into the handler signatures, so tests can supply a fake without spinning
// up a real Server.
type Source interface {
	LoopNames() []string
	LoopStats() []int
	Uptime() time.Duration
}

// Server wraps a chi.Router exposing the status endpoints over HTTP,
// generalizing the teacher's adapter.HTTPServer (a chi.Router field plus a
// Start method) from a generic reverse-proxy adapter to a single-purpose
// status surface.
type Server struct {
	Router chi.Router

	s Source

	httpSrv *http.Server
}

// New builds a Server backed by src, with its routes already mounted.
func New(src Source) *Server {
	s := &Server{s: src, Router: chi.NewRouter()}
	s.Router.Get("/status", s.handleStatus)
	s.Router.Get("/status/loops/{idx}", s.handleLoopDetail)
	return s
}

type statusResponse struct {
	Loops         int     `json:"loops"`
	Connections   []int   `json:"connections"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	names := s.s.LoopNames()
	resp := statusResponse{
		Loops:         len(names),
		Connections:   s.s.LoopStats(),
		UptimeSeconds: s.s.Uptime().Seconds(),
	}
	writeJSON(w, http.StatusOK, resp)
}

type loopDetailResponse struct {
	Name        string `json:"name"`
	IsMainLoop  bool   `json:"isMainLoop"`
	Connections int    `json:"connections"`
}

func (s *Server) handleLoopDetail(w http.ResponseWriter, r *http.Request) {
	idxParam := chi.URLParam(r, "idx")
	idx, err := strconv.Atoi(idxParam)
	if err != nil {
		http.Error(w, "invalid loop index", http.StatusBadRequest)
		return
	}

	names := s.s.LoopNames()
	stats := s.s.LoopStats()
	if idx < 0 || idx >= len(names) {
		http.Error(w, "loop index out of range", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, loopDetailResponse{
		Name:        names[idx],
		IsMainLoop:  idx == 0,
		Connections: stats[idx],
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start serves the status API on addr. Blocking; returns when the server
// stops (on Shutdown, http.ErrServerClosed).
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Router}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
