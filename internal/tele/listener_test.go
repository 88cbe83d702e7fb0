package tele

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloudtele/cloudtele/log2"
	tele_api "github.com/cloudtele/cloudtele/tele"
)

func TestRegistryMatch(t *testing.T) {
	t.Parallel()
	r := newRegistry(log2.NewTest(t, log2.LDebug))

	var d1, d2, all []string
	r.Subscribe("d1", func(ev tele_api.Event) { d1 = append(d1, ev.DeviceID) })
	r.Subscribe("d2", func(ev tele_api.Event) { d2 = append(d2, ev.DeviceID) })
	r.Subscribe(tele_api.Wildcard, func(ev tele_api.Event) { all = append(all, ev.DeviceID) })

	r.Dispatch(tele_api.Event{DeviceID: "d1"})
	r.Dispatch(tele_api.Event{DeviceID: "d2"})
	r.Dispatch(tele_api.Event{DeviceID: "d3"})

	assert.Equal(t, []string{"d1"}, d1)
	assert.Equal(t, []string{"d2"}, d2)
	assert.Equal(t, []string{"d1", "d2", "d3"}, all)
}

func TestRegistryOrder(t *testing.T) {
	t.Parallel()
	r := newRegistry(log2.NewTest(t, log2.LDebug))

	var order []int
	r.Subscribe("d1", func(tele_api.Event) { order = append(order, 1) })
	r.Subscribe("d1", func(tele_api.Event) { order = append(order, 2) })
	r.Subscribe("d1", func(tele_api.Event) { order = append(order, 3) })

	r.Dispatch(tele_api.Event{DeviceID: "d1"})
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestRegistryCancel(t *testing.T) {
	t.Parallel()
	r := newRegistry(log2.NewTest(t, log2.LDebug))

	n := 0
	cancel := r.Subscribe("d1", func(tele_api.Event) { n++ })
	r.Dispatch(tele_api.Event{DeviceID: "d1"})
	cancel()
	cancel() // second cancel is a no-op
	r.Dispatch(tele_api.Event{DeviceID: "d1"})
	assert.Equal(t, 1, n)
}

func TestRegistryNilListener(t *testing.T) {
	t.Parallel()
	r := newRegistry(log2.NewTest(t, log2.LDebug))
	cancel := r.Subscribe("d1", nil)
	cancel()
	r.Dispatch(tele_api.Event{DeviceID: "d1"})
}
