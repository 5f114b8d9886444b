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

package statusapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	names  []string
	stats  []int
	uptime time.Duration
}

func (f *fakeSource) LoopNames() []string   { return f.names }
func (f *fakeSource) LoopStats() []int      { return f.stats }
func (f *fakeSource) Uptime() time.Duration { return f.uptime }

func TestHandleStatus(t *testing.T) {
	src := &fakeSource{names: []string{"main", "loop-1", "loop-2"}, stats: []int{0, 3, 1}, uptime: 90 * time.Second}
	srv := New(src)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"loops":3,"connections":[0,3,1],"uptimeSeconds":90}`, rec.Body.String())
}

func TestHandleLoopDetail(t *testing.T) {
	src := &fakeSource{names: []string{"main", "loop-1"}, stats: []int{2, 5}}
	srv := New(src)

	req := httptest.NewRequest(http.MethodGet, "/status/loops/1", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"name":"loop-1","isMainLoop":false,"connections":5}`, rec.Body.String())
}

func TestHandleLoopDetailOutOfRange(t *testing.T) {
	src := &fakeSource{names: []string{"main"}, stats: []int{0}}
	srv := New(src)

	req := httptest.NewRequest(http.MethodGet, "/status/loops/7", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleLoopDetailBadIndex(t *testing.T) {
	src := &fakeSource{names: []string{"main"}, stats: []int{0}}
	srv := New(src)

	req := httptest.NewRequest(http.MethodGet, "/status/loops/not-a-number", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
