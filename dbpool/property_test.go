package dbpool

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/connpool/testutil/fakedb"
)

// The handle's depth always matches a simple counter model, the connection
// is held exactly while the depth is positive and the pool sees it returned
// as soon as the outermost level ends.
func TestProperty_TransactionDepthModel(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 3).Draw(rt, "capacity")
		server := fakedb.NewServer()
		registry := NewRegistry(nil)
		if err := registry.Configure("default", PoolConfig{Capacity: capacity, Factory: server.Factory()}); err != nil {
			rt.Fatalf("configure: %v", err)
		}
		m := NewManager(registry)
		defer m.Close(context.Background())

		ctx := context.Background()
		h, err := m.ConnectionFor(NewTaskID(), "default")
		if err != nil {
			rt.Fatalf("handle: %v", err)
		}

		depth := 0
		ops := rapid.SliceOfN(rapid.SampledFrom([]string{"begin", "commit", "rollback", "exec", "rollback_to"}), 1, 40).Draw(rt, "ops")
		for _, op := range ops {
			var err error
			switch op {
			case "begin":
				err = h.Begin(ctx)
				if err == nil {
					depth++
				}
			case "commit":
				err = h.Commit(ctx)
				if depth == 0 {
					if err != ErrNoActiveTransaction {
						rt.Fatalf("commit at depth 0: %v", err)
					}
					err = nil
				} else {
					depth--
				}
			case "rollback":
				err = h.Rollback(ctx)
				if depth == 0 {
					if err != ErrNoActiveTransaction {
						rt.Fatalf("rollback at depth 0: %v", err)
					}
					err = nil
				} else {
					depth--
				}
			case "rollback_to":
				if depth == 0 {
					continue
				}
				level := rapid.IntRange(0, depth-1).Draw(rt, "level")
				err = h.RollbackTo(ctx, level)
				depth = level
			case "exec":
				_, err = h.Exec(ctx, insertSnake, "krait")
			}
			if err != nil {
				rt.Fatalf("%s: %v", op, err)
			}

			if h.TransactionLevel() != depth {
				rt.Fatalf("after %s: depth %d, model %d", op, h.TransactionLevel(), depth)
			}
			if h.Holding() != (depth > 0) {
				rt.Fatalf("after %s: holding=%v at depth %d", op, h.Holding(), depth)
			}
			want := capacity
			if depth > 0 {
				want--
			}
			if got := m.IdleCount("default"); got != want {
				rt.Fatalf("after %s: idle %d, want %d", op, got, want)
			}
		}
	})
}

func TestProperty_ForgetTaskAlwaysRestoresPool(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("every connection returns once all tasks are forgotten", prop.ForAll(
		func(capacity int, depths []int) bool {
			server := fakedb.NewServer()
			registry := NewRegistry(nil)
			if err := registry.Configure("default", PoolConfig{Capacity: capacity, Factory: server.Factory()}); err != nil {
				return false
			}
			m := NewManager(registry, WithLogger(zap.NewNop()))
			defer m.Close(context.Background())

			ctx := context.Background()
			if len(depths) > capacity {
				depths = depths[:capacity]
			}

			tasks := make([]TaskID, len(depths))
			for i, depth := range depths {
				tasks[i] = NewTaskID()
				h, err := m.ConnectionFor(tasks[i], "default")
				if err != nil {
					return false
				}
				for j := 0; j < depth; j++ {
					if err := h.Begin(ctx); err != nil {
						return false
					}
				}
			}

			for _, task := range tasks {
				if err := m.ForgetTask(ctx, task); err != nil {
					return false
				}
			}
			return m.IdleCount("default") == capacity && server.Opened() == capacity
		},
		gen.IntRange(1, 6),
		gen.SliceOf(gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}
