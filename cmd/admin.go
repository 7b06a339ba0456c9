// Copyright © 2018 Enrico Stahn <enrico.stahn@gmail.com>
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

package cmd

import (
	"encoding/json"
	"net/http"

	"github.com/lighttgo/lighttgo/internal/fastcgi"
)

// procInfo is the wire shape of one backend process, as served by
// adminProcsHandler and consumed by "procs get".
type procInfo struct {
	Slot           int    `json:"slot"`
	Local          bool   `json:"local"`
	Addr           string `json:"addr"`
	State          string `json:"state"`
	PID            int    `json:"pid"`
	Load           int    `json:"load"`
	RequestsServed int64  `json:"requests_served"`
}

// hostInfo is one configured FastCGI extension's backend group.
type hostInfo struct {
	Extension string     `json:"extension"`
	Load      int        `json:"load"`
	Procs     []procInfo `json:"procs"`
}

// adminProcsHandler serves the live process table of every host in pool as
// JSON: there's no separate status protocol to speak to a backend, so the
// server just reports on itself directly.
func adminProcsHandler(pool *fastcgi.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var out []hostInfo
		for _, h := range pool.AllHosts() {
			hi := hostInfo{Extension: h.Name, Load: h.Load}
			for _, p := range h.ActiveProcs() {
				hi.Procs = append(hi.Procs, procInfo{
					Slot:           p.Slot,
					Local:          p.Local,
					Addr:           p.Addr,
					State:          p.State.String(),
					PID:            p.PID,
					Load:           p.Load,
					RequestsServed: p.RequestsServed,
				})
			}
			out = append(out, hi)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			log.Error(err)
		}
	}
}
