package event

import (
	"testing"

	"github.com/agleyzer/hlsplay/internal/errs"
	"github.com/stretchr/testify/assert"
)

func TestHubFiltersByKind(t *testing.T) {
	h := NewHub()

	var all, levels []Kind
	h.Subscribe(func(e Event) { all = append(all, e.Kind()) })
	h.Subscribe(func(e Event) { levels = append(levels, e.Kind()) }, KindLevelSwitching, KindLevelSwitched)

	h.Publish(LevelSwitching{Level: 2, Auto: true})
	h.Publish(FragLoading{})
	h.Publish(LevelSwitched{Level: 2})

	assert.Equal(t, []Kind{KindLevelSwitching, KindFragLoading, KindLevelSwitched}, all)
	assert.Equal(t, []Kind{KindLevelSwitching, KindLevelSwitched}, levels)
}

func TestHubUnsubscribe(t *testing.T) {
	h := NewHub()
	n := 0
	cancel := h.Subscribe(func(Event) { n++ })

	h.Publish(BufferEOS{})
	cancel()
	h.Publish(BufferEOS{})

	assert.Equal(t, 1, n)
}

func TestHubSubscribeDuringPublish(t *testing.T) {
	h := NewHub()
	late := 0
	h.Subscribe(func(Event) {
		h.Subscribe(func(Event) { late++ })
	}, KindSeeked)

	h.Publish(Seeked{Position: 1})
	assert.Equal(t, 0, late)

	h.Publish(Seeked{Position: 2})
	assert.Equal(t, 1, late)
}

func TestHubNestedPublish(t *testing.T) {
	h := NewHub()
	var order []string
	h.Subscribe(func(e Event) {
		order = append(order, "error")
	}, KindError)
	h.Subscribe(func(e Event) {
		order = append(order, "ended")
		h.Publish(Error{Err: errs.New(errs.Media, errs.BufferStalledError, nil)})
	}, KindStreamEnded)

	h.Publish(StreamEnded{})
	assert.Equal(t, []string{"ended", "error"}, order)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "frag_load_emergency_aborted", KindFragLoadEmergencyAborted.String())
	assert.Equal(t, "Kind(99)", Kind(99).String())
}
