package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewGroupValidation(t *testing.T) {
	if _, err := NewGroup(0); err == nil {
		t.Error("expected error for empty group")
	}
	g, err := NewGroup(3)
	if err != nil {
		t.Fatalf("NewGroup failed: %v", err)
	}
	if g.Size() != 3 {
		t.Errorf("Size() = %d; expected 3", g.Size())
	}
}

func TestAllreduce(t *testing.T) {
	for _, size := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("ranks_%d", size), func(t *testing.T) {
			results := make([][]float32, size)
			err := Run(context.Background(), size, func(ctx context.Context, c Communicator) error {
				buf := []float32{float32(c.Rank()), 1, float32(c.Rank() * c.Rank())}
				// Run twice to exercise slot reuse across generations.
				for i := 0; i < 2; i++ {
					if i == 1 {
						buf = []float32{float32(c.Rank()), 1, float32(c.Rank() * c.Rank())}
					}
					if err := c.AllreduceFloat32(ctx, buf); err != nil {
						return err
					}
				}
				results[c.Rank()] = buf
				return nil
			})
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}

			var sum, sumSq float32
			for r := 0; r < size; r++ {
				sum += float32(r)
				sumSq += float32(r * r)
			}
			for r, got := range results {
				if got[0] != sum || got[1] != float32(size) || got[2] != sumSq {
					t.Errorf("rank %d got %v; expected [%f %d %f]", r, got, sum, size, sumSq)
				}
			}
		})
	}
}

func TestBroadcastTypes(t *testing.T) {
	err := Run(context.Background(), 3, func(ctx context.Context, c Communicator) error {
		f := make([]float32, 2)
		u := make([]uint32, 1)
		l := make([]uint64, 1)
		b := make([]byte, 3)
		if c.Rank() == 1 {
			f = []float32{1.5, -2}
			u[0] = 7
			l[0] = 1 << 40
			copy(b, "abc")
		}
		if err := c.BcastFloat32(ctx, 1, f); err != nil {
			return err
		}
		if err := c.BcastUint32(ctx, 1, u); err != nil {
			return err
		}
		if err := c.BcastUint64(ctx, 1, l); err != nil {
			return err
		}
		if err := c.BcastBytes(ctx, 1, b); err != nil {
			return err
		}
		if f[0] != 1.5 || f[1] != -2 || u[0] != 7 || l[0] != 1<<40 || string(b) != "abc" {
			return fmt.Errorf("rank %d received f=%v u=%v l=%v b=%q", c.Rank(), f, u, l, b)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBcastStringAndBool(t *testing.T) {
	err := Run(context.Background(), 4, func(ctx context.Context, c Communicator) error {
		s := ""
		if c.Rank() == 0 {
			s = "layer0_name"
		}
		if err := BcastString(ctx, c, 0, &s); err != nil {
			return err
		}
		if s != "layer0_name" {
			return fmt.Errorf("rank %d received %q", c.Rank(), s)
		}
		flag, err := BcastBool(ctx, c, 0, c.Rank() == 0)
		if err != nil {
			return err
		}
		if !flag {
			return fmt.Errorf("rank %d lost the root flag", c.Rank())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAnyTrue(t *testing.T) {
	tests := []struct {
		name     string
		failing  int
		expected bool
	}{
		{"none", -1, false},
		{"rank_2", 2, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var mu sync.Mutex
			seen := map[int]bool{}
			err := Run(context.Background(), 3, func(ctx context.Context, c Communicator) error {
				got, err := AnyTrue(ctx, c, c.Rank() == test.failing)
				if err != nil {
					return err
				}
				mu.Lock()
				seen[c.Rank()] = got
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			for rank, got := range seen {
				if got != test.expected {
					t.Errorf("rank %d: AnyTrue = %v; expected %v", rank, got, test.expected)
				}
			}
		})
	}
}

func TestBcastStrided(t *testing.T) {
	// 3 rows of stride 5, broadcast columns [1,3) from rank 2
	err := Run(context.Background(), 3, func(ctx context.Context, c Communicator) error {
		buf := make([]float32, 15)
		if c.Rank() == 2 {
			for i := range buf {
				buf[i] = float32(i)
			}
		}
		if err := BcastStrided(ctx, c, 2, buf, 1, 3, 2, 5); err != nil {
			return err
		}
		if c.Rank() == 2 {
			return nil
		}
		for row := 0; row < 3; row++ {
			for col := 0; col < 5; col++ {
				v := buf[row*5+col]
				expected := float32(0)
				if col >= 1 && col < 3 {
					expected = float32(row*5 + col)
				}
				if v != expected {
					return fmt.Errorf("rank %d buf[%d][%d] = %f; expected %f", c.Rank(), row, col, v, expected)
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSendRecv(t *testing.T) {
	err := Run(context.Background(), 3, func(ctx context.Context, c Communicator) error {
		if c.Rank() == 0 {
			for src := 1; src < c.Size(); src++ {
				msg, err := c.Recv(ctx, src)
				if err != nil {
					return err
				}
				if len(msg) != src || msg[0] != float32(src) {
					return fmt.Errorf("from %d got %v", src, msg)
				}
			}
			return nil
		}
		payload := make([]float32, c.Rank())
		for i := range payload {
			payload[i] = float32(c.Rank())
		}
		return c.Send(ctx, 0, payload)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSharedMemory(t *testing.T) {
	err := Run(context.Background(), 2, func(ctx context.Context, c Communicator) error {
		sm, ok := c.(SharedMemory)
		if !ok {
			return errors.New("endpoint does not implement SharedMemory")
		}
		mine := []float32{float32(c.Rank())}
		sm.Expose("receive", mine)
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		peer := (c.Rank() + 1) % c.Size()
		theirs, err := sm.Lookup(peer, "receive")
		if err != nil {
			return err
		}
		if theirs[0] != float32(peer) {
			return fmt.Errorf("rank %d read %v from peer %d", c.Rank(), theirs, peer)
		}
		if _, err := sm.Lookup(peer, "missing"); err == nil {
			return errors.New("expected lookup error for unexposed buffer")
		}
		return c.Barrier(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunFailureReleasesBlockedRanks(t *testing.T) {
	boom := errors.New("boom")
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), 3, func(ctx context.Context, c Communicator) error {
			if c.Rank() == 1 {
				return boom
			}
			return c.Barrier(ctx)
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("expected boom, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked ranks were not released")
	}
}

func TestAllreduceLengthMismatch(t *testing.T) {
	err := Run(context.Background(), 2, func(ctx context.Context, c Communicator) error {
		buf := make([]float32, 1+c.Rank())
		return c.AllreduceFloat32(ctx, buf)
	})
	if err == nil {
		t.Error("expected length mismatch error")
	}
}
