package database

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

// IndexMetadata validates a cached registration index against the database
// before trusting it.
type IndexMetadata struct {
	EncodingCount int64     `json:"encoding_count"`
	MaxEncodingID int64     `json:"max_encoding_id"`
	BuildTime     time.Time `json:"build_time"`
	Version       int       `json:"version"`
}

const indexMetadataVersion = 1

// RegistrationIndex is an in-memory HNSW graph over stored face encodings.
// It answers "is this face already enrolled?" at registration time and backs
// the similar-students lookup. It is approximate, so recognition itself
// never consults it; the matcher scans the gallery exactly.
type RegistrationIndex struct {
	graph      *hnsw.Graph[int64]
	savedGraph *hnsw.SavedGraph[int64]
	idToEnc    map[int64]*StoredEncoding
	mu         sync.RWMutex
	path       string
}

// NewRegistrationIndex creates a new empty registration index.
func NewRegistrationIndex() *RegistrationIndex {
	return &RegistrationIndex{
		idToEnc: make(map[int64]*StoredEncoding),
	}
}

func newEncodingGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.Distance = hnsw.EuclideanDistance
	return g
}

// Build populates the index from stored encodings, replacing any previous state.
func (x *RegistrationIndex) Build(encodings []StoredEncoding) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(encodings) == 0 {
		x.graph = nil
		x.savedGraph = nil
		x.idToEnc = make(map[int64]*StoredEncoding)
		return nil
	}

	g := newEncodingGraph()
	x.idToEnc = make(map[int64]*StoredEncoding, len(encodings))

	for i := range encodings {
		enc := &encodings[i]
		if len(enc.Encoding) == 0 {
			continue
		}
		g.Add(hnsw.MakeNode(enc.ID, enc.Encoding))
		x.idToEnc[enc.ID] = enc
	}

	x.graph = g
	x.savedGraph = nil
	return nil
}

// Search finds the k nearest stored encodings to the query.
// Returns encoding ids and their L2 distances.
func (x *RegistrationIndex) Search(query []float32, k int) ([]int64, []float64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.graph == nil && x.savedGraph == nil {
		return nil, nil, errors.New("index not initialized")
	}

	var neighbors []hnsw.Node[int64]
	if x.savedGraph != nil {
		neighbors = x.savedGraph.Search(query, k)
	} else {
		neighbors = x.graph.Search(query, k)
	}

	ids := make([]int64, 0, len(neighbors))
	distances := make([]float64, 0, len(neighbors))

	for _, n := range neighbors {
		// Nodes evicted from idToEnc are deleted encodings; skip them.
		if _, ok := x.idToEnc[n.Key]; !ok {
			continue
		}
		ids = append(ids, n.Key)
		distances = append(distances, EuclideanDistance(query, n.Value))
	}

	return ids, distances, nil
}

// Get returns the stored encoding for a given id, nil if unknown.
func (x *RegistrationIndex) Get(id int64) *StoredEncoding {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.idToEnc[id]
}

// Add inserts a single encoding into the index.
func (x *RegistrationIndex) Add(enc *StoredEncoding) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(enc.Encoding) == 0 {
		return
	}

	if x.graph == nil {
		x.graph = newEncodingGraph()
	}

	x.graph.Add(hnsw.MakeNode(enc.ID, enc.Encoding))
	x.idToEnc[enc.ID] = enc
}

// Delete evicts an encoding from lookup. The HNSW graph keeps the node, but
// Search filters results through idToEnc so it stops surfacing.
func (x *RegistrationIndex) Delete(id int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.idToEnc, id)
}

// Count returns the number of indexed encodings.
func (x *RegistrationIndex) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.idToEnc)
}

// IsEmpty returns true if no graph data is loaded.
func (x *RegistrationIndex) IsEmpty() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.graph == nil && x.savedGraph == nil
}

// Save persists the graph, metadata and encoding records to disk.
// The graph goes to path, metadata to path+".meta" and records to
// path+".records".
func (x *RegistrationIndex) Save(path string, metadata IndexMetadata) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.graph == nil && x.savedGraph == nil {
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		_ = os.Remove(path + ".records")
		return nil
	}

	f, err := os.Create(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	if x.savedGraph != nil {
		err = x.savedGraph.Export(f)
	} else {
		err = x.graph.Export(f)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to export index graph: %w", err)
	}

	metadata.Version = indexMetadataVersion
	metaData, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}

	records := make([]StoredEncoding, 0, len(x.idToEnc))
	for _, enc := range x.idToEnc {
		records = append(records, *enc)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(records); err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	if err := os.WriteFile(path+".records", buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write records file: %w", err)
	}

	return nil
}

// LoadIndexMetadata reads the metadata sidecar for a saved index.
func LoadIndexMetadata(path string) (IndexMetadata, error) {
	var metadata IndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata file: %w", err)
	}

	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return metadata, nil
}

// Load restores the graph and encoding records from disk.
func (x *RegistrationIndex) Load(path string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.path = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("index file not found: %s", path)
	}

	saved, err := hnsw.LoadSavedGraph[int64](path)
	if err != nil {
		return fmt.Errorf("failed to load index graph: %w", err)
	}

	data, err := os.ReadFile(path + ".records") //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to read records file: %w", err)
	}
	var records []StoredEncoding
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&records); err != nil {
		return fmt.Errorf("failed to decode records: %w", err)
	}

	x.savedGraph = saved
	x.idToEnc = make(map[int64]*StoredEncoding, len(records))
	for i := range records {
		x.idToEnc[records[i].ID] = &records[i]
	}

	return nil
}
