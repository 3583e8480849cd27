// Package snapshot stores the sensor record taken when a world reaches a
// decision point: a zstd stream holding one JSON header line followed by a
// gob-encoded Record.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

// Ext is the file extension of sensor records.
const Ext = ".snap.zst"

type Header struct {
	Version int    `json:"version"`
	RunID   string `json:"run_id"`
	World   int    `json:"world"`
	Episode int    `json:"episode"`
	Step    int    `json:"step"`
	Tick    uint64 `json:"tick"`
}

// Object is an object still on the table. Position is in centimetres in the
// robot base frame; orientation is (qw, qx, qy, qz).
type Object struct {
	Slot  int        `json:"slot"`
	Class string     `json:"class"`
	Pose  [7]float64 `json:"pose"`
}

type Record struct {
	Header Header `json:"header"`

	// EE is the end-effector pose in the robot base frame, metres,
	// (x, y, z, qw, qx, qy, qz).
	EE      [7]float64 `json:"ee"`
	Joints  []float64  `json:"joints"`
	Objects []Object   `json:"objects"`

	DepthW int       `json:"depth_w,omitempty"`
	DepthH int       `json:"depth_h,omitempty"`
	Depth  []float32 `json:"depth,omitempty"`
}

// Name is the file name of the record for world w at episode e, step s.
func Name(w, e, s int) string {
	return fmt.Sprintf("env_%d_epi_%d_step_%d_data%s", w, e, s, Ext)
}

// Write encodes rec to path. The file appears atomically.
func Write(path string, rec Record) error {
	if rec.Header.Version == 0 {
		rec.Header.Version = Version
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, rec); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, rec Record) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(rec.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&rec); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func Read(path string) (Record, error) {
	var rec Record
	f, err := os.Open(path)
	if err != nil {
		return rec, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return rec, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	// The header line duplicates rec.Header; it is there for tools that do
	// not speak gob.
	if _, err := br.ReadBytes('\n'); err != nil {
		return rec, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&rec); err != nil {
		return rec, fmt.Errorf("gob decode: %w", err)
	}
	return rec, nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// Dir writes records under a directory, one file per decision point.
type Dir struct {
	Path string
}

func (d Dir) WriteRecord(rec Record) (string, error) {
	h := rec.Header
	path := filepath.Join(d.Path, Name(h.World, h.Episode, h.Step))
	if err := Write(path, rec); err != nil {
		return "", err
	}
	return path, nil
}
