package netmon

import (
	"context"
	"testing"
)

func TestReadyIsImmediate(t *testing.T) {
	t.Parallel()

	if err := (Ready{}).WaitForAssociation(context.Background()); err != nil {
		t.Fatalf("ready monitor blocked: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (Ready{}).WaitForAssociation(ctx); err == nil {
		t.Fatal("cancelled context must surface its error")
	}
}
