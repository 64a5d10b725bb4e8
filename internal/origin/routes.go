package origin

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Mount registers the playlist routes on r.
func (o *Origin) Mount(r chi.Router) {
	r.Get("/playlist.m3u8", o.handlePlaylist)
	r.Get("/variant/{index}/playlist.m3u8", o.handleVariant)
}

// handlePlaylist serves the multivariant playlist, or the only media
// playlist.
func (o *Origin) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	if o.Multivariant() {
		writePlaylist(w, o.GenerateMaster())
		return
	}
	o.serveVariant(w, 0)
}

func (o *Origin) handleVariant(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		http.Error(w, "invalid variant index", http.StatusBadRequest)
		return
	}
	o.serveVariant(w, index)
}

func (o *Origin) serveVariant(w http.ResponseWriter, index int) {
	content, err := o.GenerateVariant(index)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writePlaylist(w, content)
}

func writePlaylist(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}
