package eventbus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forestplot/censuscore/pkg/eventbus"
)

type batchDone struct {
	ID int
}

func TestPublishMatchesHandlerSignature(t *testing.T) {
	bus := eventbus.NewEventPublisher(nil)

	var got []int
	bus.Subscribe(func(e batchDone) {
		got = append(got, e.ID)
	})
	bus.Subscribe(func(s string) {
		t.Fatal("string handler must not fire for struct events")
	})

	bus.Publish(batchDone{ID: 1})
	bus.Publish(batchDone{ID: 2})
	assert.Equal(t, []int{1, 2}, got)
}

func TestUnsubscribe(t *testing.T) {
	bus := eventbus.NewEventPublisher(nil)

	fired := 0
	handler := func(e batchDone) { fired++ }
	bus.Subscribe(handler)
	assert.Equal(t, 1, bus.SubscribersCount())

	bus.Unsubscribe(handler)
	assert.Equal(t, 0, bus.SubscribersCount())
	bus.Publish(batchDone{ID: 1})
	assert.Zero(t, fired)
}

func TestPublishRecoversPanickingHandler(t *testing.T) {
	bus := eventbus.NewEventPublisher(nil)
	bus.Subscribe(func(e batchDone) { panic("boom") })

	assert.NotPanics(t, func() {
		bus.Publish(batchDone{ID: 1})
	})
}

func TestMatchSignature(t *testing.T) {
	assert.True(t, eventbus.MatchSignature(func(batchDone) {}, []interface{}{batchDone{}}))
	assert.False(t, eventbus.MatchSignature(func(batchDone) {}, []interface{}{"nope"}))
	assert.False(t, eventbus.MatchSignature(func(batchDone, int) {}, []interface{}{batchDone{}}))
	assert.False(t, eventbus.MatchSignature("not a func", []interface{}{batchDone{}}))
	assert.True(t, eventbus.MatchSignature(func(err error) {}, []interface{}{nil}))
}
