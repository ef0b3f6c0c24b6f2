package core

import "testing"

func TestMemoryStorageConformance(t *testing.T) {
	conformanceStorage(t, NewMemoryStorage())
}
