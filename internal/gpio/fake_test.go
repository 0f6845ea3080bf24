package gpio

import (
	"errors"
	"testing"
)

func TestFakeReaderRead(t *testing.T) {
	f := NewFakeReader(
		Lamps{Verde: true},
		Lamps{Rojo: true, Contador: true},
	)

	got, err := f.Read()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Verde || got.Rojo {
		t.Errorf("sample 0: got %+v", got)
	}

	got, _ = f.Read()
	if !got.Rojo || !got.Contador || got.Verde {
		t.Errorf("sample 1: got %+v", got)
	}

	// Exhausted samples repeat the last one
	got, _ = f.Read()
	if !got.Rojo {
		t.Errorf("repeat: got %+v", got)
	}

	f.Reset()
	got, _ = f.Read()
	if !got.Verde {
		t.Errorf("after reset: got %+v", got)
	}
}

func TestFakeReaderNoSamples(t *testing.T) {
	if _, err := NewFakeReader().Read(); err == nil {
		t.Error("expected error with no samples")
	}
}

func TestFakeReaderError(t *testing.T) {
	f := NewFakeReader(Lamps{})
	f.ReadError = errors.New("line busy")
	if _, err := f.Read(); err == nil {
		t.Error("expected scripted error")
	}
}

func TestFakeReaderClose(t *testing.T) {
	f := NewFakeReader(Lamps{})
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !f.Closed {
		t.Error("expected Closed")
	}
}

func TestLampsEstados(t *testing.T) {
	e := Lamps{Verde: true, Contador: true}.Estados()
	if len(e) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(e))
	}
	if !e["Verde"] || e["Amarillo"] || e["Rojo"] || !e["Contador"] {
		t.Errorf("unexpected estados %v", e)
	}
}
