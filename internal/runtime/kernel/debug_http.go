package kernel

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// StatsHandler exposes kernel diagnostics over HTTP:
//
//	GET /stats          -> JSON of KernelStats
//	GET /stats/coremap  -> JSON of CoremapStats
//	GET /stats/procs    -> JSON of ProcTableStats
//	GET /stats/tlb      -> JSON array of live TLB entries. Query params: cpu=<id>
func (k *Kernel) StatsHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, k.Stats())
	})
	mux.HandleFunc("/stats/coremap", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, k.cm.Stats())
	})
	mux.HandleFunc("/stats/procs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, k.procs.Stats())
	})
	mux.HandleFunc("/stats/tlb", func(w http.ResponseWriter, r *http.Request) {
		id := 0
		if s := r.URL.Query().Get("cpu"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 0 || v >= len(k.cpus) {
				http.Error(w, "invalid cpu", http.StatusBadRequest)
				return
			}
			id = v
		}
		entries := k.cpus[id].ValidEntries()
		if entries == nil {
			entries = []TLBEntry{}
		}
		writeJSON(w, entries)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
