package snapshot

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func sample() Record {
	return Record{
		Header: Header{RunID: "run-1", World: 3, Episode: 2, Step: 41, Tick: 900},
		EE:     [7]float64{0.4, 0, 0.45, 0, 1, 0, 0},
		Joints: []float64{0.4, 0, 0.45, 3.14, 0, 0},
		Objects: []Object{
			{Slot: 0, Class: "cracker_box", Pose: [7]float64{52.1, -3.4, 1.2, 1, 0, 0, 0}},
		},
		DepthW: 2,
		DepthH: 2,
		Depth:  []float32{0.5, 0.5, 0.48, 0.5},
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", Name(3, 2, 41))
	rec := sample()
	if err := Write(path, rec); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	rec.Header.Version = Version
	if !reflect.DeepEqual(got, rec) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, rec)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestReadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r"+Ext)
	if err := Write(path, sample()); err != nil {
		t.Fatalf("write: %v", err)
	}
	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.Version != Version || h.World != 3 || h.Episode != 2 || h.Step != 41 {
		t.Fatalf("header: %+v", h)
	}
}

func TestDir_NamesByWorldEpisodeStep(t *testing.T) {
	dir := t.TempDir()
	path, err := Dir{Path: dir}.WriteRecord(sample())
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if want := filepath.Join(dir, "env_3_epi_2_step_41_data.snap.zst"); path != want {
		t.Fatalf("path: got %s want %s", path, want)
	}
}
