package versioning

import "testing"

type samplePayload struct {
	Name  string
	Count int
}

func TestCheckAndUpdateNewAndRepeat(t *testing.T) {
	t.Parallel()

	cache := NewCache()
	key := "orders:o-1"
	payload := samplePayload{Name: "demo", Count: 3}

	checksum, unchanged, err := cache.CheckAndUpdate(key, payload, "")
	if err != nil {
		t.Fatalf("CheckAndUpdate returned error: %v", err)
	}
	if unchanged {
		t.Fatalf("expected first insert to report changed state")
	}
	if checksum == "" {
		t.Fatalf("expected a checksum")
	}

	_, unchanged, err = cache.CheckAndUpdate(key, payload, checksum)
	if err != nil {
		t.Fatalf("CheckAndUpdate returned error: %v", err)
	}
	if !unchanged {
		t.Fatalf("expected matching checksum to report unchanged")
	}

	next, unchanged, err := cache.CheckAndUpdate(key, samplePayload{Name: "demo", Count: 4}, checksum)
	if err != nil {
		t.Fatalf("CheckAndUpdate returned error: %v", err)
	}
	if unchanged {
		t.Fatalf("expected modified payload to report changed state")
	}
	if next == checksum {
		t.Fatalf("expected a new checksum for modified payload")
	}

	if stored, ok := cache.Last(key); !ok || stored != next {
		t.Fatalf("Last = %q/%v, want %q", stored, ok, next)
	}
}
