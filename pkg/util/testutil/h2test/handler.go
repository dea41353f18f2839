package h2test

import (
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	// HeaderPath carries the request path in responses of Handler.
	HeaderPath = "X-Path"
	// HeaderMethod carries the request method in responses of Handler.
	HeaderMethod = "X-Method"
	// TrailerChecksum is the trailer set by Handler when the "trailer" query parameter is present.
	TrailerChecksum = "X-Checksum"
)

// Handler echoes every request. The response body is the request body, or the path when the body is empty.
// Query parameters change the response:
//   - push=/path pushes /path before answering, may be repeated;
//   - status=NNN sets the status code;
//   - trailer=value sends value in the X-Checksum trailer;
//   - delay=duration waits before answering;
//   - reject=NNN answers NNN without reading the request body.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if d, err := time.ParseDuration(q.Get("delay")); err == nil {
			time.Sleep(d)
		}
		if code, err := strconv.Atoi(q.Get("reject")); err == nil {
			http.Error(w, http.StatusText(code), code)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if pusher, ok := w.(http.Pusher); ok {
			for _, target := range q["push"] {
				_ = pusher.Push(target, nil)
			}
		}

		trailer := q.Get("trailer")
		if trailer != "" {
			w.Header().Set("Trailer", TrailerChecksum)
		}
		w.Header().Set(HeaderPath, r.URL.Path)
		w.Header().Set(HeaderMethod, r.Method)

		status := http.StatusOK
		if s, err := strconv.Atoi(q.Get("status")); err == nil {
			status = s
		}
		w.WriteHeader(status)

		if len(body) == 0 {
			body = []byte(r.URL.Path)
		}
		_, _ = w.Write(body)
		if trailer != "" {
			w.Header().Set(TrailerChecksum, trailer)
		}
	})
}
