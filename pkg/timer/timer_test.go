package timer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateFiresAtDeadline(t *testing.T) {
	tm := New(4, 1_000_000, nil)

	fired := 0
	_, err := tm.Create(10, 0, func(arg any) { fired++ }, nil)
	assert.Nil(t, err)

	tm.Service(9)
	assert.Equal(t, 0, fired)
	tm.Service(1)
	assert.Equal(t, 1, fired)
}

func TestPeriodicReschedules(t *testing.T) {
	tm := New(4, 1_000_000, nil)

	fired := 0
	_, err := tm.Create(5, 5, func(arg any) { fired++ }, nil)
	assert.Nil(t, err)

	tm.Service(5)
	assert.Equal(t, 1, fired)
	tm.Service(5)
	assert.Equal(t, 2, fired)
	tm.Service(4)
	assert.Equal(t, 2, fired)
	tm.Service(1)
	assert.Equal(t, 3, fired)
}

func TestPoolExhaustion(t *testing.T) {
	tm := New(2, 1_000_000, nil)

	_, err := tm.Create(10, 0, func(arg any) {}, nil)
	assert.Nil(t, err)
	_, err = tm.Create(20, 0, func(arg any) {}, nil)
	assert.Nil(t, err)
	_, err = tm.Create(30, 0, func(arg any) {}, nil)
	assert.Equal(t, ErrNoAction, err)
}

func TestDeleteRemovesAction(t *testing.T) {
	tm := New(4, 1_000_000, nil)

	fired := 0
	h, err := tm.Create(10, 0, func(arg any) { fired++ }, nil)
	assert.Nil(t, err)

	err = tm.Delete(h)
	assert.Nil(t, err)
	tm.Service(20)
	assert.Equal(t, 0, fired)

	err = tm.Delete(h)
	assert.Equal(t, ErrDelete, err)
}

func TestDeleteMergesSlotIntoSuccessor(t *testing.T) {
	tm := New(4, 1_000_000, nil)

	var order []int
	h1, err := tm.Create(10, 0, func(arg any) { order = append(order, 1) }, nil)
	assert.Nil(t, err)
	_, err = tm.Create(15, 0, func(arg any) { order = append(order, 2) }, nil)
	assert.Nil(t, err)

	assert.Nil(t, tm.Delete(h1))
	tm.Service(15)
	assert.Equal(t, []int{2}, order)
}

func TestGetTicksAndMinTime(t *testing.T) {
	tm := New(1, 1_000_000, nil)
	assert.EqualValues(t, 1000, tm.GetTicks(1000))
	assert.EqualValues(t, 1, tm.GetMinTime())

	tm100 := New(1, 100, nil)
	assert.EqualValues(t, 0, tm100.GetTicks(1))
	assert.EqualValues(t, 10000, tm100.GetMinTime())
}

func TestResetDropsAllActions(t *testing.T) {
	tm := New(2, 1_000_000, nil)
	fired := 0
	_, err := tm.Create(5, 0, func(arg any) { fired++ }, nil)
	assert.Nil(t, err)

	tm.Reset()
	tm.Service(100)
	assert.Equal(t, 0, fired)

	_, err = tm.Create(5, 0, func(arg any) { fired++ }, nil)
	assert.Nil(t, err)
}
