package authcache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocpp16cp/chargepoint/internal/ocpp"
)

func accepted() ocpp.IdTagInfo { return ocpp.IdTagInfo{Status: ocpp.AuthorizationStatusAccepted} }
func blocked() ocpp.IdTagInfo  { return ocpp.IdTagInfo{Status: ocpp.AuthorizationStatusBlocked} }

func TestCache_GetPut(t *testing.T) {
	c := New(2)
	_, ok := c.Get("tag1")
	assert.False(t, ok)

	c.Put("tag1", accepted())
	info, ok := c.Get("tag1")
	assert.True(t, ok)
	assert.Equal(t, ocpp.AuthorizationStatusAccepted, info.Status)
}

func TestCache_EvictsNonAcceptedFirst(t *testing.T) {
	c := New(2)
	c.Put("accepted-tag", accepted())
	c.Put("blocked-tag", blocked())

	// Touch accepted-tag so blocked-tag would be the true-LRU tail anyway,
	// then insert a third entry forcing an eviction.
	c.Get("accepted-tag")
	c.Put("new-tag", accepted())

	_, stillThere := c.Get("accepted-tag")
	assert.True(t, stillThere)
	_, blockedGone := c.Get("blocked-tag")
	assert.False(t, blockedGone)
	_, newThere := c.Get("new-tag")
	assert.True(t, newThere)
}

func TestCache_FallsBackToLRUWhenAllAccepted(t *testing.T) {
	c := New(2)
	c.Put("first", accepted())
	c.Put("second", accepted())
	c.Get("second") // second becomes MRU, first stays LRU
	c.Put("third", accepted())

	_, firstGone := c.Get("first")
	assert.False(t, firstGone)
	_, secondThere := c.Get("second")
	assert.True(t, secondThere)
}

func TestCache_RemoveAndClear(t *testing.T) {
	c := New(2)
	c.Put("tag1", accepted())
	c.Remove("tag1")
	_, ok := c.Get("tag1")
	assert.False(t, ok)

	c.Put("tag2", accepted())
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
