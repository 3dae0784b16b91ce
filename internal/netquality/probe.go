package netquality

import (
	"crypto/rand"
	"net/http"
	"strconv"
)

// MaxProbeBytes caps the payload a bandwidth probe may request.
const MaxProbeBytes = 8 << 20

// PingHandler answers latency and loss probes with an empty 204.
func PingHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		noCache(w)
		w.WriteHeader(http.StatusNoContent)
	})
}

// BandwidthHandler serves a payload of the requested size (bytes query
// parameter, default 1 MiB, capped at MaxProbeBytes). The payload is random
// so intermediaries cannot compress it.
func BandwidthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		size := DefaultConfig().PayloadBytes
		if v := r.URL.Query().Get("bytes"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid bytes parameter", http.StatusBadRequest)
				return
			}
			size = n
		}
		if size > MaxProbeBytes {
			size = MaxProbeBytes
		}

		noCache(w)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(size))
		w.WriteHeader(http.StatusOK)

		buf := make([]byte, 32*1024)
		for size > 0 {
			chunk := buf
			if size < len(chunk) {
				chunk = chunk[:size]
			}
			_, _ = rand.Read(chunk)
			if _, err := w.Write(chunk); err != nil {
				return
			}
			size -= len(chunk)
		}
	})
}

func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}
