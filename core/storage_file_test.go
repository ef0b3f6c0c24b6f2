package core

import (
	"context"
	"testing"
)

func TestFileStorageConformance(t *testing.T) {
	s, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	defer s.Close()
	conformanceStorage(t, s)
}

func TestFileStoragePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	rec := UtxoRecord{Chain: "eth", Commitment: "aa", AssetID: "pool1"}
	if err := s1.PutUtxo(context.Background(), "alice", rec); err != nil {
		t.Fatalf("PutUtxo: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("reopen NewFileStorage: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetUtxo(context.Background(), "alice", "eth", "aa")
	if err != nil {
		t.Fatalf("GetUtxo after reopen: %v", err)
	}
	if got.AssetID != "pool1" {
		t.Fatalf("expected utxo to survive reopen, got %+v", got)
	}
}
