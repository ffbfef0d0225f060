package txmanager

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestManager(t *testing.T, n int, opts ...ManagerOption) (*Manager, []*fakeResource, *callLog) {
	t.Helper()
	fakes, resources, log := newFakeResources(n)
	return NewManager(newTestCoordinator(t, resources), opts...), fakes, log
}

func TestManager_RunInTxCommits(t *testing.T) {
	m, fakes, log := newTestManager(t, 2)

	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		status := StatusFromContext(ctx)
		require.NotNil(t, status)
		assert.True(t, status.HasTransaction())
		assert.True(t, status.IsNewTransaction())

		conn, ok := ConnectionForResource(ctx, fakes[0])
		assert.True(t, ok)
		assert.False(t, conn.AutoCommit())
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"commit:r1", "commit:r2"}, log.with("commit:"))
	assert.Empty(t, log.with("rollback:"))
	for _, f := range fakes {
		assert.Equal(t, 1, f.released)
		assert.True(t, f.conns[0].autoCommit)
	}
}

func TestManager_CallbackErrorRollsBack(t *testing.T) {
	m, fakes, _ := newTestManager(t, 2)
	cause := fmt.Errorf("business rule failed")

	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		return cause
	})
	assert.Same(t, cause, err)

	for _, f := range fakes {
		assert.Equal(t, 0, f.conns[0].commits)
		assert.Equal(t, 1, f.conns[0].rollbacks)
		assert.Equal(t, 1, f.released)
	}
}

func TestManager_CallbackErrorJoinsRollbackFailure(t *testing.T) {
	m, fakes, _ := newTestManager(t, 2)
	fakes[1].rollbackErr = fmt.Errorf("rollback lost")
	cause := fmt.Errorf("business rule failed")

	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		return cause
	})
	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, stderrors.Is(err, fakes[1].rollbackErr))
}

func TestManager_PanicRollsBackAndRepanics(t *testing.T) {
	m, fakes, _ := newTestManager(t, 2)

	assert.PanicsWithValue(t, "boom", func() {
		_ = m.RunInTx(context.Background(), func(ctx context.Context) error {
			panic("boom")
		})
	})

	for _, f := range fakes {
		assert.Equal(t, 1, f.conns[0].rollbacks)
		assert.Equal(t, 1, f.released)
	}
}

func TestManager_CommitFailureStillCleansUp(t *testing.T) {
	m, fakes, _ := newTestManager(t, 3)
	fakes[1].commitErr = fmt.Errorf("commit refused")

	err := m.RunInTx(context.Background(), func(ctx context.Context) error { return nil })
	assert.True(t, IsCommitFailed(err))

	assert.Equal(t, 1, fakes[0].conns[0].commits)
	assert.Equal(t, 0, fakes[2].conns[0].commits)
	for _, f := range fakes {
		assert.Equal(t, 1, f.released)
	}
}

func TestManager_BeginFailureSkipsCallback(t *testing.T) {
	m, fakes, _ := newTestManager(t, 2)
	fakes[1].acquireErr = fmt.Errorf("no connections")

	called := false
	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.True(t, IsCannotCreateTransaction(err))
	assert.False(t, called)
	assert.Equal(t, 1, fakes[0].released)
}

func TestManager_RequiredJoinsExisting(t *testing.T) {
	m, fakes, _ := newTestManager(t, 2)

	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		outer, _ := ConnectionForResource(ctx, fakes[0])
		return m.Execute(ctx, DefaultDefinition(), func(ctx context.Context) error {
			status := StatusFromContext(ctx)
			assert.True(t, status.HasTransaction())
			assert.False(t, status.IsNewTransaction())

			inner, ok := ConnectionForResource(ctx, fakes[0])
			assert.True(t, ok)
			assert.Same(t, outer, inner)
			return nil
		})
	})
	require.NoError(t, err)

	for _, f := range fakes {
		assert.Equal(t, 1, f.acquired)
		assert.Equal(t, 1, f.conns[0].commits)
	}
}

func TestManager_ParticipantFailureForcesUnexpectedRollback(t *testing.T) {
	m, fakes, _ := newTestManager(t, 2)
	inner := fmt.Errorf("inner failed")

	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		innerErr := m.Execute(ctx, DefaultDefinition(), func(ctx context.Context) error {
			return inner
		})
		assert.Same(t, inner, innerErr)
		assert.True(t, StatusFromContext(ctx).IsRollbackOnly())
		return nil
	})
	assert.True(t, IsUnexpectedRollback(err))

	for _, f := range fakes {
		assert.Equal(t, 0, f.conns[0].commits)
		assert.Equal(t, 1, f.conns[0].rollbacks)
		assert.Equal(t, 1, f.released)
	}
}

func TestManager_ParticipantPanicMarksRollbackOnly(t *testing.T) {
	m, fakes, _ := newTestManager(t, 1)

	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		assert.Panics(t, func() {
			_ = m.Execute(ctx, DefaultDefinition(), func(ctx context.Context) error {
				panic("inner")
			})
		})
		return nil
	})
	assert.True(t, IsUnexpectedRollback(err))
	assert.Equal(t, 1, fakes[0].conns[0].rollbacks)
}

func TestManager_StatusSetRollbackOnly(t *testing.T) {
	m, fakes, _ := newTestManager(t, 2)

	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		StatusFromContext(ctx).SetRollbackOnly()
		return nil
	})
	assert.True(t, IsUnexpectedRollback(err))
	for _, f := range fakes {
		assert.Equal(t, 0, f.conns[0].commits)
		assert.Equal(t, 1, f.conns[0].rollbacks)
	}
}

func TestManager_RequiresNewSuspendsOuter(t *testing.T) {
	m, fakes, _ := newTestManager(t, 2)
	requiresNew := Definition{Name: "audit", Propagation: PropagationRequiresNew}

	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		outer, _ := ConnectionForResource(ctx, fakes[0])

		err := m.Execute(ctx, requiresNew, func(ctx context.Context) error {
			status := StatusFromContext(ctx)
			assert.True(t, status.IsNewTransaction())
			assert.Equal(t, "audit", status.Name())

			inner, ok := ConnectionForResource(ctx, fakes[0])
			assert.True(t, ok)
			assert.NotSame(t, outer, inner)
			return nil
		})
		require.NoError(t, err)

		restored, ok := ConnectionForResource(ctx, fakes[0])
		assert.True(t, ok)
		assert.Same(t, outer, restored)
		return nil
	})
	require.NoError(t, err)

	for _, f := range fakes {
		assert.Equal(t, 2, f.acquired)
		assert.Equal(t, 2, f.released)
		assert.Equal(t, 1, f.conns[0].commits)
		assert.Equal(t, 1, f.conns[1].commits)
	}
}

func TestManager_RequiresNewFailureDoesNotAffectOuter(t *testing.T) {
	m, fakes, _ := newTestManager(t, 1)
	requiresNew := Definition{Propagation: PropagationRequiresNew}

	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		innerErr := m.Execute(ctx, requiresNew, func(ctx context.Context) error {
			return fmt.Errorf("inner failed")
		})
		assert.Error(t, innerErr)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, fakes[0].conns[0].commits)
	assert.Equal(t, 1, fakes[0].conns[1].rollbacks)
}

func TestManager_RequiresNewWithoutOuterStartsTransaction(t *testing.T) {
	m, fakes, _ := newTestManager(t, 1)

	err := m.Execute(context.Background(), Definition{Propagation: PropagationRequiresNew}, func(ctx context.Context) error {
		assert.True(t, StatusFromContext(ctx).IsNewTransaction())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fakes[0].conns[0].commits)
}

func TestManager_NotSupportedRunsWithoutTransaction(t *testing.T) {
	m, fakes, _ := newTestManager(t, 1)
	notSupported := Definition{Propagation: PropagationNotSupported}

	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		err := m.Execute(ctx, notSupported, func(ctx context.Context) error {
			assert.False(t, StatusFromContext(ctx).HasTransaction())
			_, ok := ConnectionForResource(ctx, fakes[0])
			assert.False(t, ok)
			return nil
		})
		require.NoError(t, err)

		_, ok := ConnectionForResource(ctx, fakes[0])
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fakes[0].acquired)
}

func TestManager_SupportsWithoutTransaction(t *testing.T) {
	m, fakes, _ := newTestManager(t, 1)

	err := m.Execute(context.Background(), Definition{Propagation: PropagationSupports}, func(ctx context.Context) error {
		status := StatusFromContext(ctx)
		assert.False(t, status.HasTransaction())
		status.SetRollbackOnly()
		assert.True(t, status.IsRollbackOnly())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, fakes[0].acquired)
}

func TestManager_SupportsJoinsExisting(t *testing.T) {
	m, fakes, _ := newTestManager(t, 1)

	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		return m.Execute(ctx, Definition{Propagation: PropagationSupports}, func(ctx context.Context) error {
			assert.True(t, StatusFromContext(ctx).HasTransaction())
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fakes[0].acquired)
}

func TestManager_MandatoryAndNever(t *testing.T) {
	m, fakes, _ := newTestManager(t, 1)

	err := m.Execute(context.Background(), Definition{Propagation: PropagationMandatory}, func(ctx context.Context) error {
		t.Fatal("callback must not run")
		return nil
	})
	assert.True(t, IsIllegalTransactionState(err))

	err = m.Execute(context.Background(), Definition{Propagation: PropagationNever}, func(ctx context.Context) error {
		assert.False(t, StatusFromContext(ctx).HasTransaction())
		return nil
	})
	require.NoError(t, err)

	err = m.RunInTx(context.Background(), func(ctx context.Context) error {
		neverErr := m.Execute(ctx, Definition{Propagation: PropagationNever}, func(ctx context.Context) error {
			return nil
		})
		assert.True(t, IsIllegalTransactionState(neverErr))

		return m.Execute(ctx, Definition{Propagation: PropagationMandatory}, func(ctx context.Context) error {
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fakes[0].conns[0].commits)
}

func TestManager_TimeoutSetsDeadline(t *testing.T) {
	m, fakes, _ := newTestManager(t, 1)

	err := m.Execute(context.Background(), Definition{Timeout: 2 * time.Second}, func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		assert.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(2*time.Second), deadline, time.Second)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, fakes[0].conns[0].timeout)
}

func TestManager_WithDefaultDefinition(t *testing.T) {
	m, fakes, _ := newTestManager(t, 1, WithDefaultDefinition(ReadOnlyDefinition()))

	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		conn, _ := ConnectionForResource(ctx, fakes[0])
		assert.True(t, conn.(ReadOnlyConnection).ReadOnly())
		return nil
	})
	require.NoError(t, err)
	assert.False(t, fakes[0].conns[0].readOnly)
}

func TestManager_LogsThroughManagerLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m, _, _ := newTestManager(t, 1, WithManagerLogger(zap.New(core)))

	err := m.Execute(context.Background(), Definition{Name: "create-order"}, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("Creating new transaction").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "create-order", entries[0].ContextMap()["name"])
}

func TestManager_SeparateCallsDoNotShareTransactions(t *testing.T) {
	m, fakes, _ := newTestManager(t, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.RunInTx(context.Background(), func(ctx context.Context) error { return nil }))
	}
	assert.Equal(t, 3, fakes[0].acquired)
	assert.Equal(t, 3, fakes[0].released)
}

func TestPropagation_String(t *testing.T) {
	assert.Equal(t, "required", PropagationRequired.String())
	assert.Equal(t, "requires_new", PropagationRequiresNew.String())
	assert.Equal(t, "never", PropagationNever.String())
	assert.Equal(t, "unknown", Propagation(42).String())
}
