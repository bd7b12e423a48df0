package main

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"sort"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const tileSize = 64

// gameMap is a generated map. Tiles are derived from the id, so every
// request for the same map does the same amount of work.
type gameMap struct {
	ID       string `json:"id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Checksum uint64 `json:"checksum"`
}

type mapStore struct {
	mu   sync.RWMutex
	maps map[string]gameMap
}

func newMapStore() *mapStore {
	s := &mapStore{maps: make(map[string]gameMap)}
	for _, id := range []string{"map1", "map2", "map3"} {
		s.maps[id] = gameMap{ID: id, Width: tileSize, Height: tileSize}
	}
	return s
}

func (s *mapStore) list() []gameMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gameMap, 0, len(s.maps))
	for _, m := range s.maps {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *mapStore) get(id string) (gameMap, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.maps[id]
	return m, ok
}

// generate fills every tile from a hash of the map id and folds the tiles
// into a checksum.
func generate(m gameMap) gameMap {
	var sum uint64
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			h := fnv.New64a()
			fmt.Fprintf(h, "%s/%d/%d", m.ID, x, y)
			sum ^= h.Sum64()
		}
	}
	m.Checksum = sum
	return m
}

func newMapsHandler(store *mapStore) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/maps", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, store.list())
	})
	mux.HandleFunc("GET /api/v1/maps/{id}", func(w http.ResponseWriter, r *http.Request) {
		m, ok := store.get(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "map not found"})
			return
		}
		writeJSON(w, http.StatusOK, generate(m))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to write response", zap.Error(err))
	}
}
