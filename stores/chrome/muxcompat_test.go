package chrome

import (
	"net/http"
	"strings"
)

// testMux routes Go 1.22-style "METHOD /path" ServeMux patterns on the
// Go 1.21 ServeMux, which would otherwise treat the method prefix as a
// host qualifier and never match. Plain patterns pass through unchanged;
// a registered path hit with an unregistered method gets 405, matching
// the Go 1.22 ServeMux.
type testMux struct {
	mux     *http.ServeMux
	methods map[string]map[string]http.HandlerFunc
}

func newTestMux() *testMux {
	return &testMux{mux: http.NewServeMux(), methods: make(map[string]map[string]http.HandlerFunc)}
}

func (m *testMux) HandleFunc(pattern string, h func(http.ResponseWriter, *http.Request)) {
	method, path, found := strings.Cut(pattern, " ")
	if !found {
		m.mux.HandleFunc(pattern, h)
		return
	}
	if m.methods[path] == nil {
		byMethod := make(map[string]http.HandlerFunc)
		m.methods[path] = byMethod
		m.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if h, ok := byMethod[r.Method]; ok {
				h(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		})
	}
	m.methods[path][method] = h
}

func (m *testMux) ServeHTTP(w http.ResponseWriter, r *http.Request) { m.mux.ServeHTTP(w, r) }
