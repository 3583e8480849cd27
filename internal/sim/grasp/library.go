package grasp

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gonum.org/v1/gonum/spatial/r3"
)

var ErrUnknownObject = errors.New("unknown object")

// Loader returns the ordered candidate set for an object class.
type Loader interface {
	Load(objectID string) ([]Candidate, error)
}

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "grasp_library.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func librarySchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

type fileDoc struct {
	Object     string          `json:"object"`
	Units      string          `json:"units"`
	Candidates []fileCandidate `json:"candidates"`
}

type fileCandidate struct {
	Contact    [3]float64 `json:"contact"`
	Baseline   [3]float64 `json:"baseline"`
	Approach   [3]float64 `json:"approach"`
	Separation float64    `json:"separation"`
	Score      float64    `json:"score"`
}

func vec(v [3]float64) r3.Vec { return r3.Vec{X: v[0], Y: v[1], Z: v[2]} }

// Decode validates and decodes one library document. Centimetre libraries
// are converted to metres; directions are unitless and left alone.
func Decode(raw []byte) (string, []Candidate, error) {
	s, err := librarySchema()
	if err != nil {
		return "", nil, fmt.Errorf("compile grasp schema: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", nil, err
	}
	if err := s.Validate(generic); err != nil {
		return "", nil, err
	}
	var doc fileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", nil, err
	}
	scale := 1.0
	if doc.Units == "cm" {
		scale = 0.01
	}
	out := make([]Candidate, 0, len(doc.Candidates))
	for _, c := range doc.Candidates {
		out = append(out, Candidate{
			Contact:    r3.Scale(scale, vec(c.Contact)),
			Baseline:   vec(c.Baseline),
			Approach:   vec(c.Approach),
			Separation: c.Separation * scale,
			Score:      c.Score,
		})
	}
	return doc.Object, out, nil
}

// DirLibrary loads <Dir>/<objectID>.json on first use and caches it. The
// cached slices are shared and must not be modified.
type DirLibrary struct {
	Dir string

	mu    sync.RWMutex
	cache map[string][]Candidate
}

func NewDirLibrary(dir string) *DirLibrary {
	return &DirLibrary{Dir: dir, cache: map[string][]Candidate{}}
}

func (l *DirLibrary) Load(objectID string) ([]Candidate, error) {
	l.mu.RLock()
	c, ok := l.cache[objectID]
	l.mu.RUnlock()
	if ok {
		return c, nil
	}

	if objectID == "" || strings.ContainsAny(objectID, `/\`) || strings.Contains(objectID, "..") {
		return nil, fmt.Errorf("%w: %q", ErrUnknownObject, objectID)
	}
	path := filepath.Join(l.Dir, objectID+".json")
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownObject, objectID)
	}
	if err != nil {
		return nil, err
	}
	name, cands, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if name != objectID {
		return nil, fmt.Errorf("%s: object %q does not match file name", path, name)
	}

	l.mu.Lock()
	if l.cache == nil {
		l.cache = map[string][]Candidate{}
	}
	l.cache[objectID] = cands
	l.mu.Unlock()
	return cands, nil
}

// Preload loads every id, failing on the first error.
func (l *DirLibrary) Preload(ids []string) error {
	for _, id := range ids {
		if _, err := l.Load(id); err != nil {
			return err
		}
	}
	return nil
}

// StaticLibrary is an in-memory Loader.
type StaticLibrary map[string][]Candidate

func (s StaticLibrary) Load(objectID string) ([]Candidate, error) {
	c, ok := s[objectID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownObject, objectID)
	}
	return c, nil
}
