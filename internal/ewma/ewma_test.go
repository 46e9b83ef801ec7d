package ewma

import (
	"sync"
	"testing"
)

func TestEWMA_Basic(t *testing.T) {
	e := New(0.5)

	if e.IsInitialized() {
		t.Error("EWMA should not be initialized before any updates")
	}

	e.Update(100)
	if !e.IsInitialized() {
		t.Error("EWMA should be initialized after first update")
	}
	if e.Value() != 100 {
		t.Errorf("Value() = %f, want 100", e.Value())
	}

	e.Update(200)
	// With alpha=0.5: new = 0.5*200 + 0.5*100 = 150
	if e.Value() != 150 {
		t.Errorf("Value() = %f, want 150", e.Value())
	}

	e.Update(200)
	// new = 0.5*200 + 0.5*150 = 175
	if e.Value() != 175 {
		t.Errorf("Value() = %f, want 175", e.Value())
	}
}

func TestEWMA_HighAlpha(t *testing.T) {
	// High alpha = more weight to recent values
	e := New(0.9)

	e.Update(100)
	e.Update(200)
	// new = 0.9*200 + 0.1*100 = 190
	if e.Value() != 190 {
		t.Errorf("Value() = %f, want 190", e.Value())
	}
}

func TestEWMA_LowAlpha(t *testing.T) {
	// Low alpha = more weight to historical values
	e := New(0.1)

	e.Update(100)
	e.Update(200)
	// new = 0.1*200 + 0.9*100 = 110
	if e.Value() != 110 {
		t.Errorf("Value() = %f, want 110", e.Value())
	}
}

func TestEWMA_Reset(t *testing.T) {
	e := New(0.5)
	e.Update(100)
	e.Reset()

	if e.IsInitialized() {
		t.Error("EWMA should not be initialized after reset")
	}
	if e.Value() != 0 {
		t.Errorf("Value() = %f, want 0 after reset", e.Value())
	}
}

func TestEWMA_Concurrent(t *testing.T) {
	e := New(0.5)
	var wg sync.WaitGroup

	// Concurrent updates
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(val float64) {
			defer wg.Done()
			e.Update(val)
		}(float64(i))
	}

	// Concurrent reads
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Value()
		}()
	}

	wg.Wait()
	// Just checking it doesn't panic
}





