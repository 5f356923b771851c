package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"callrelay/internal/engine/dedup"
	"callrelay/internal/engine/directory"
	"callrelay/internal/pkg/errors"
)

type DirectoryCache interface {
	Clear() int
	Stats() directory.Stats
}

type DedupCache interface {
	Clear() int
	Stats() dedup.Stats
}

type CacheHandler struct {
	dir   DirectoryCache
	dedup DedupCache
}

func NewCacheHandler(dir DirectoryCache, dedup DedupCache) *CacheHandler {
	return &CacheHandler{dir: dir, dedup: dedup}
}

func (h *CacheHandler) Clear(w http.ResponseWriter, r *http.Request) {
	dirCleared := h.dir.Clear()
	dedupCleared := h.dedup.Clear()
	log.Info().Int("directory", dirCleared).Int("dedup", dedupCleared).Msg("caches cleared on request")

	errors.WriteJSON(w, http.StatusOK, map[string]int{
		"directory_cleared": dirCleared,
		"dedup_cleared":     dedupCleared,
	})
}

func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"directory": h.dir.Stats(),
		"dedup":     h.dedup.Stats(),
	})
}
