package workerpool

import (
	"errors"
	"sync/atomic"
	"testing"
)

func TestRunBoundsConcurrency(t *testing.T) {
	p := New(2)
	var concurrent, maxConcurrent atomic.Int32
	done := make(chan struct{})

	for i := 0; i < 8; i++ {
		go func() {
			p.Run(func() error {
				n := concurrent.Add(1)
				for {
					m := maxConcurrent.Load()
					if n <= m || maxConcurrent.CompareAndSwap(m, n) {
						break
					}
				}
				concurrent.Add(-1)
				return nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	if got := maxConcurrent.Load(); got > 2 {
		t.Errorf("observed %d concurrent Run calls, pool size was 2", got)
	}
}

func TestRunValuePropagatesErrorAndValue(t *testing.T) {
	p := New(1)
	boom := errors.New("boom")

	v, err := RunValue(p, func() (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Errorf("RunValue() = (%d, %v), want (7, nil)", v, err)
	}

	_, err = RunValue(p, func() (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Errorf("RunValue() error = %v, want %v", err, boom)
	}
}
