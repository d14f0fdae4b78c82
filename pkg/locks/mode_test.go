package locks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompatibilityMatrix(t *testing.T) {
	modes := []Mode{S, X, IS, IX, SIX}
	expect := map[Mode][]bool{
		S:   {true, false, true, true, false},
		X:   {false, false, false, false, false},
		IS:  {true, false, true, true, true},
		IX:  {true, false, true, true, false},
		SIX: {false, false, true, false, false},
	}
	for _, granted := range modes {
		for i, requested := range modes {
			assert.Equal(t, expect[granted][i], granted.Compatible(requested), "%v/%v", granted, requested)
		}
	}
}

func TestCovers(t *testing.T) {
	assert.True(t, X.Covers(S))
	assert.True(t, X.Covers(SIX))
	assert.True(t, SIX.Covers(S))
	assert.True(t, SIX.Covers(IX))
	assert.True(t, S.Covers(IS))
	assert.True(t, IX.Covers(IS))
	assert.False(t, S.Covers(X))
	assert.False(t, S.Covers(IX))
	assert.False(t, IS.Covers(S))
	assert.False(t, SIX.Covers(X))
}

func TestCombine(t *testing.T) {
	assert.Equal(t, SIX, Combine(S, IX))
	assert.Equal(t, SIX, Combine(IX, S))
	assert.Equal(t, X, Combine(S, X))
	assert.Equal(t, S, Combine(IS, S))
	assert.Equal(t, X, Combine(X, IS))
	assert.Equal(t, SIX, Combine(SIX, IS))
}

func TestLock_QueueOrder(t *testing.T) {
	l := NewLock("a")
	l.Grant(1, S)

	r2 := NewRequest(2, "a", X)
	r3 := NewRequest(3, "a", S)
	l.PushTask(r2)
	l.PushTask(r3)
	// an S request cannot jump the queued X
	assert.False(t, l.CanGrant(4, S, false))

	up := NewRequest(1, "a", X)
	up.Upgrade = true
	l.PushTask(up)
	assert.Equal(t, []*Request{up, r2, r3}, l.Waiters())

	assert.Equal(t, []uint64{1}, l.Blockers(r2))
	assert.Equal(t, []uint64{1, 2}, l.Blockers(r3))
	assert.Empty(t, l.Blockers(up))

	// sole holder: the upgrade goes through, the others keep waiting
	granted := l.Promote()
	assert.Equal(t, []*Request{up}, granted)
	assert.Equal(t, X, l.Holders[1])

	l.Release(1)
	granted = l.Promote()
	assert.Equal(t, []*Request{r2}, granted)
	assert.True(t, r2.Granted)
	assert.False(t, r3.Granted)

	l.Release(2)
	assert.Equal(t, []*Request{r3}, l.Promote())
	l.Release(3)
	assert.True(t, l.Idle())
}

func TestLock_PromoteCompatibleBatch(t *testing.T) {
	l := NewLock("t")
	l.Grant(1, X)
	reqs := []*Request{NewRequest(2, "t", IS), NewRequest(3, "t", IX), NewRequest(4, "t", SIX)}
	for _, r := range reqs {
		l.PushTask(r)
	}

	l.Release(1)
	// IS and IX are compatible, SIX conflicts with the granted IX
	assert.Equal(t, reqs[:2], l.Promote())
	assert.Equal(t, []uint64{3}, l.Blockers(reqs[2]))
}

func TestLock_CancelTask(t *testing.T) {
	l := NewLock("a")
	r1 := NewRequest(1, "a", X)
	r2 := NewRequest(2, "a", X)
	r3 := NewRequest(3, "a", X)
	l.PushTask(r1)
	l.PushTask(r2)
	l.PushTask(r3)

	assert.True(t, l.CancelTask(r3))
	assert.Equal(t, r2, l.WaitingTail)
	assert.True(t, l.CancelTask(r1))
	assert.Equal(t, r2, l.WaitingHead)
	assert.False(t, l.CancelTask(r1))
	assert.True(t, l.CancelTask(r2))
	assert.Nil(t, l.WaitingHead)
	assert.Nil(t, l.WaitingTail)
}

func TestRequest_WakeOnce(t *testing.T) {
	r := NewRequest(1, "a", S)
	r.Wake(nil)
	r.Wake(assert.AnError)
	assert.NoError(t, <-r.Ready())
	select {
	case <-r.Ready():
		t.Fatal("request woken twice")
	default:
	}
}
