package diskutil

import "testing"

func TestFreeBytesOnTempDir(t *testing.T) {
	free, err := FreeBytes(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if free == 0 {
		t.Fatal("expected nonzero free space on a real filesystem")
	}
}

func TestHasSpaceForNegativeSizeIsAlwaysTrue(t *testing.T) {
	ok, err := HasSpaceFor(t.TempDir(), -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected true for an unknown (-1) size")
	}
}

func TestHasSpaceForImpossiblyLargeSize(t *testing.T) {
	ok, err := HasSpaceFor(t.TempDir(), 1<<62)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected false for a size larger than any real filesystem")
	}
}
