package partialsum

import "testing"

func TestAccumAndCount(t *testing.T) {
	var c Collection
	c.Resize(4, 3)

	c.Accum(1, 0, 2.5)
	c.Accum(1, 2, 1.5)
	c.AccumZero(1, 1)

	sum, count := c.SumAndCount(1)
	if sum != 4.0 || count != 3 {
		t.Fatalf("SumAndCount = (%v, %d), want (4.0, 3)", sum, count)
	}

	// Double accumulation must not double the sum.
	c.Accum(1, 0, 2.5)
	sum, count = c.SumAndCount(1)
	if sum != 4.0 || count != 3 {
		t.Fatalf("idempotence violated: (%v, %d)", sum, count)
	}
}

func TestNextUncomputed(t *testing.T) {
	var c Collection
	c.Resize(2, 70) // spans two bitmap words

	c.AccumZero(0, 0)
	c.AccumZero(0, 1)
	c.AccumZero(0, 65)

	feat, ok := c.NextUncomputed(0, 0)
	if !ok || feat != 2 {
		t.Fatalf("NextUncomputed(0) = (%d, %v), want (2, true)", feat, ok)
	}
	feat, ok = c.NextUncomputed(0, 64)
	if !ok || feat != 64 {
		t.Fatalf("NextUncomputed(64) = (%d, %v), want (64, true)", feat, ok)
	}
	feat, ok = c.NextUncomputed(0, 66)
	if !ok || feat != 66 {
		t.Fatalf("NextUncomputed(66) = (%d, %v), want (66, true)", feat, ok)
	}

	for f := 0; f < 70; f++ {
		c.AccumZero(1, f)
	}
	if _, ok := c.NextUncomputed(1, 0); ok {
		t.Fatalf("fully computed row should report no uncomputed features")
	}
}

func TestResizeReuses(t *testing.T) {
	var c Collection
	c.Resize(8, 4)
	c.Accum(3, 2, 1.0)
	c.Resize(8, 4)
	if sum, count := c.SumAndCount(3); sum != 0 || count != 0 {
		t.Fatalf("Resize did not clear state: (%v, %d)", sum, count)
	}
}
