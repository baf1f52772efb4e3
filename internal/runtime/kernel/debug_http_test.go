package kernel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

func TestStatsHandler(t *testing.T) {
	k := bootTest(t, nil, Options{})
	p, th := attach(t, k, "web", nil)
	_ = p.AddressSpace().DefineRegion(0x1000, PageSize, true, true, false)
	if err := k.VMFault(th, FaultRead, 0x1000); err != nil {
		t.Fatal(err)
	}
	h := k.StatsHandler()

	get := func(url string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
		return rec
	}

	rec := get("/stats")
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("/stats: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	var st KernelStats
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Mode != "paged" || st.Procs.Live != 1 || st.Coremap.Frames == 0 {
		t.Fatalf("stats = %+v", st)
	}

	var entries []TLBEntry
	rec = get("/stats/tlb?cpu=" + strconv.Itoa(th.CPU().ID))
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].VPage != 0x1000 {
		t.Fatalf("tlb = %+v", entries)
	}

	other := (th.CPU().ID + 1) % len(k.CPUs())
	rec = get("/stats/tlb?cpu=" + strconv.Itoa(other))
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("idle cpu tlb = %q", rec.Body.String())
	}

	for _, bad := range []string{"9", "-1", "x"} {
		if rec := get("/stats/tlb?cpu=" + bad); rec.Code != http.StatusBadRequest {
			t.Fatalf("cpu=%s: %d", bad, rec.Code)
		}
	}

	var procs ProcTableStats
	rec = get("/stats/procs")
	if err := json.NewDecoder(rec.Body).Decode(&procs); err != nil {
		t.Fatal(err)
	}
	if len(procs.Procs) != 1 || procs.Procs[0].Name != "web" || procs.Procs[0].Pages != 1 {
		t.Fatalf("procs = %+v", procs)
	}
}
