// Debug tooling. Dumps a named runtime profile in response to HTTP request at
//
//	http(s)://<host-name>/<configured-path>/<profile-name>
//
// e.g. '/debug/pprof/goroutine' dumps stack traces of the pipeline lanes and device sessions.
// See https://golang.org/pkg/runtime/pprof/#Profile for the list of profile names.

package main

import (
	"fmt"
	"net/http"
	"path"
	"runtime/pprof"
	"strings"

	"github.com/deuxdrop/chat/server/logs"
)

// Expose runtime profiles at the given URL path. Empty path or "-" disables profiling.
func servePprof(mux *http.ServeMux, serveAt string) {
	if serveAt == "" || serveAt == "-" {
		return
	}

	root := path.Clean("/"+serveAt) + "/"
	mux.HandleFunc(root, func(wrt http.ResponseWriter, req *http.Request) {
		profileHandler(wrt, req, root)
	})

	logs.Info.Printf("pprof: profiling info exposed at '%s'", root)
}

func profileHandler(wrt http.ResponseWriter, req *http.Request, root string) {
	wrt.Header().Set("X-Content-Type-Options", "nosniff")
	wrt.Header().Set("Content-Type", "text/plain; charset=utf-8")

	name := strings.TrimPrefix(req.URL.Path, root)
	profile := pprof.Lookup(name)
	if profile == nil {
		wrt.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(wrt, "Unknown profile '%s'\n", name)
		return
	}

	// Human-readable form with full stacks.
	profile.WriteTo(wrt, 2)
}
