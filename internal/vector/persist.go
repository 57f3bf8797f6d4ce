package vector

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Each tier persists as a pair: <tier>.idx (opaque gob) and <tier>.ids
// (JSON id map). The pair is rewritten together; a half-missing or
// unreadable pair is reported so the caller can rebuild from the
// relational store.

type hnswSnapshot struct {
	Dim            int
	M              int
	EfConstruction int
	EfSearch       int
	Entry          int
	MaxLevel       int
	Vecs           [][]uint16
	Neighbors      [][][]int
}

type ivfpqSnapshot struct {
	Dim       int
	Nlist     int
	Nprobe    int
	PQ        *ProductQuantizer
	Centroids [][]float32
	Lists     [][]int
	Codes     [][]byte
	Assign    []int
	Raw       [][]uint16
	Trained   bool
}

type pqflatSnapshot struct {
	Dim     int
	PQ      *ProductQuantizer
	Codes   [][]byte
	Raw     [][]uint16
	Trained bool
}

type idMapSnapshot struct {
	ToExternal []string `json:"to_external"`
	Tombstones int      `json:"tombstones"`
}

func (h *HNSW) snapshot() *hnswSnapshot {
	s := &hnswSnapshot{
		Dim:            h.dim,
		M:              h.m,
		EfConstruction: h.efConstruction,
		EfSearch:       h.efSearch,
		Entry:          h.entry,
		MaxLevel:       h.maxLevel,
		Vecs:           make([][]uint16, len(h.nodes)),
		Neighbors:      make([][][]int, len(h.nodes)),
	}
	for i, n := range h.nodes {
		s.Vecs[i] = n.vec
		s.Neighbors[i] = n.neighbors
	}
	return s
}

func (h *HNSW) restore(s *hnswSnapshot) {
	h.dim = s.Dim
	h.m = s.M
	h.mMax0 = 2 * s.M
	h.efConstruction = s.EfConstruction
	h.efSearch = s.EfSearch
	h.entry = s.Entry
	h.maxLevel = s.MaxLevel
	h.nodes = make([]hnswNode, len(s.Vecs))
	for i := range s.Vecs {
		neighbors := s.Neighbors[i]
		if neighbors == nil {
			neighbors = [][]int{}
		}
		h.nodes[i] = hnswNode{vec: s.Vecs[i], neighbors: neighbors}
	}
}

func (iv *IVFPQ) snapshot() *ivfpqSnapshot {
	return &ivfpqSnapshot{
		Dim:       iv.dim,
		Nlist:     iv.nlist,
		Nprobe:    iv.nprobe,
		PQ:        iv.pq,
		Centroids: iv.centroids,
		Lists:     iv.lists,
		Codes:     iv.codes,
		Assign:    iv.assign,
		Raw:       iv.raw,
		Trained:   iv.Trained(),
	}
}

func (iv *IVFPQ) restore(s *ivfpqSnapshot) {
	iv.dim = s.Dim
	iv.nlist = s.Nlist
	iv.nprobe = s.Nprobe
	iv.pq = s.PQ
	iv.centroids = s.Centroids
	iv.lists = s.Lists
	if iv.lists == nil {
		iv.lists = make([][]int, s.Nlist)
	}
	iv.codes = normalizeByteRows(s.Codes)
	iv.assign = s.Assign
	iv.raw = normalizeHalfRows(s.Raw)
	iv.trained = s.Trained
}

func (p *PQFlat) snapshot() *pqflatSnapshot {
	return &pqflatSnapshot{
		Dim:     p.dim,
		PQ:      p.pq,
		Codes:   p.codes,
		Raw:     p.raw,
		Trained: p.Trained(),
	}
}

func (p *PQFlat) restore(s *pqflatSnapshot) {
	p.dim = s.Dim
	p.pq = s.PQ
	p.codes = normalizeByteRows(s.Codes)
	p.raw = normalizeHalfRows(s.Raw)
	p.trained = s.Trained
}

// gob does not distinguish nil from empty rows; the indexes use nil as
// "slot not encoded / not raw", so restore re-establishes that.
func normalizeByteRows(rows [][]byte) [][]byte {
	for i, r := range rows {
		if len(r) == 0 {
			rows[i] = nil
		}
	}
	return rows
}

func normalizeHalfRows(rows [][]uint16) [][]uint16 {
	for i, r := range rows {
		if len(r) == 0 {
			rows[i] = nil
		}
	}
	return rows
}

func encodeTier(w io.Writer, idx tierIndex) error {
	enc := gob.NewEncoder(w)
	switch v := idx.(type) {
	case *HNSW:
		return enc.Encode(v.snapshot())
	case *IVFPQ:
		return enc.Encode(v.snapshot())
	case *PQFlat:
		return enc.Encode(v.snapshot())
	default:
		return fmt.Errorf("unknown index type %T", idx)
	}
}

func decodeTier(r io.Reader, idx tierIndex) error {
	dec := gob.NewDecoder(r)
	switch v := idx.(type) {
	case *HNSW:
		var s hnswSnapshot
		if err := dec.Decode(&s); err != nil {
			return err
		}
		v.restore(&s)
	case *IVFPQ:
		var s ivfpqSnapshot
		if err := dec.Decode(&s); err != nil {
			return err
		}
		v.restore(&s)
	case *PQFlat:
		var s pqflatSnapshot
		if err := dec.Decode(&s); err != nil {
			return err
		}
		v.restore(&s)
	default:
		return fmt.Errorf("unknown index type %T", idx)
	}
	return nil
}

func (t *TieredIndex) paths(tier Tier) (idxPath, mapPath string) {
	return filepath.Join(t.dir, string(tier)+".idx"),
		filepath.Join(t.dir, string(tier)+".ids")
}

func (t *TieredIndex) fileSize(tier Tier) int64 {
	if t.dir == "" {
		return 0
	}
	idxPath, _ := t.paths(tier)
	info, err := os.Stat(idxPath)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Save persists every tier pair. Called on shutdown and automatically
// every 1000 adds.
func (t *TieredIndex) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *TieredIndex) saveLocked() error {
	if t.dir == "" {
		return nil
	}
	if err := os.MkdirAll(t.dir, 0755); err != nil {
		return err
	}
	for _, tier := range AllTiers {
		ts := t.tiers[tier]
		idxPath, mapPath := t.paths(tier)

		var buf bytes.Buffer
		if err := encodeTier(&buf, ts.index); err != nil {
			return fmt.Errorf("encode %s: %w", tier, err)
		}
		if err := atomicWriteFile(idxPath, buf.Bytes()); err != nil {
			return fmt.Errorf("write %s: %w", tier, err)
		}

		m, err := json.Marshal(idMapSnapshot{ToExternal: ts.toExternal, Tombstones: ts.tombstones})
		if err != nil {
			return err
		}
		if err := atomicWriteFile(mapPath, m); err != nil {
			return fmt.Errorf("write %s id map: %w", tier, err)
		}
	}
	t.addsSinceSave = 0
	return nil
}

// Load restores all tier pairs from disk. Absent pairs mean a fresh tier;
// a half-present or undecodable pair is an error so the caller can rebuild
// from the relational store.
func (t *TieredIndex) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dir == "" {
		return nil
	}
	for _, tier := range AllTiers {
		ts := t.tiers[tier]
		idxPath, mapPath := t.paths(tier)

		data, err := os.ReadFile(idxPath)
		if errors.Is(err, os.ErrNotExist) {
			if _, serr := os.Stat(mapPath); serr == nil {
				return fmt.Errorf("tier %s: id map present without index file", tier)
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := decodeTier(bytes.NewReader(data), ts.index); err != nil {
			return fmt.Errorf("tier %s: %w", tier, err)
		}

		mdata, err := os.ReadFile(mapPath)
		if err != nil {
			return fmt.Errorf("tier %s id map: %w", tier, err)
		}
		var snap idMapSnapshot
		if err := json.Unmarshal(mdata, &snap); err != nil {
			return fmt.Errorf("tier %s id map: %w", tier, err)
		}
		if len(snap.ToExternal) > ts.index.Len() {
			return fmt.Errorf("tier %s: id map covers %d entries, index holds %d",
				tier, len(snap.ToExternal), ts.index.Len())
		}
		ts.toExternal = snap.ToExternal
		ts.tombstones = snap.Tombstones
		ts.toInternal = make(map[string]int, len(snap.ToExternal))
		for internal, ext := range snap.ToExternal {
			if ext != "" {
				ts.toInternal[ext] = internal
			}
		}
	}
	return nil
}

// atomicWriteFile writes via a temp file in the same directory, fsyncs,
// then renames over the target.
func atomicWriteFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
