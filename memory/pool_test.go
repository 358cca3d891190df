package memory

import "testing"

func TestRoundUpToPowerOf2(t *testing.T) {
	tests := []struct {
		in, expected int
	}{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {64, 64}, {65, 128},
	}
	for _, test := range tests {
		if got := roundUpToPowerOf2(test.in); got != test.expected {
			t.Errorf("roundUpToPowerOf2(%d) = %d; expected %d", test.in, got, test.expected)
		}
	}
}

func TestScratchPoolReuse(t *testing.T) {
	pool := NewScratchPool()

	buf := pool.Get(5)
	if len(buf) != 5 || cap(buf) != 8 {
		t.Fatalf("Get(5) returned len=%d cap=%d", len(buf), cap(buf))
	}
	for i := range buf {
		buf[i] = float32(i + 1)
	}
	pool.Put(buf)

	again := pool.Get(7)
	for i, v := range again {
		if v != 0 {
			t.Errorf("reused slice not zeroed at %d: %f", i, v)
		}
	}

	stats := pool.Stats()[8]
	if stats.Gets != 2 || stats.Puts != 1 || stats.InUse != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.MaxInUse != 1 {
		t.Errorf("MaxInUse = %d; expected 1", stats.MaxInUse)
	}
}

func TestScratchPoolForeignSlice(t *testing.T) {
	pool := NewScratchPool()
	pool.Put(make([]float32, 3))
	pool.Put(nil)
	if len(pool.Stats()) != 0 {
		t.Error("foreign slices should not create tiers")
	}
}
