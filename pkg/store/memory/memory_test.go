package memory_test

import (
	"testing"

	"github.com/astromechza/notesync/pkg/store/memory"
	"github.com/astromechza/notesync/pkg/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.RunBackend(t, memory.New())
}
