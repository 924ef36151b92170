package chargepoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_ChangeConfiguration(t *testing.T) {
	r := NewRegistry(2)

	assert.Equal(t, ConfigNotSupported, r.ChangeConfiguration("NoSuchKey", "1"))
	assert.Equal(t, ConfigRejected, r.ChangeConfiguration(KeyNumberOfConnectors, "5")) // read-only

	assert.Equal(t, ConfigRejected, r.ChangeConfiguration(KeyHeartbeatInterval, "not-a-number"))

	assert.Equal(t, ConfigAccepted, r.ChangeConfiguration(KeyHeartbeatInterval, "120"))
	assert.Equal(t, uint64(120), r.HeartbeatInterval())
}

func TestRegistry_RebootRequiredStaging(t *testing.T) {
	r := NewRegistry(1)

	status := r.ChangeConfiguration(KeyClockAlignedDataInterval, "600")
	if status == ConfigRebootRequired {
		before := r.ClockAlignedDataInterval()
		r.ApplyPendingReboot()
		after := r.ClockAlignedDataInterval()
		assert.NotEqual(t, before, after)
	}
}

func TestRegistry_GetConfiguration(t *testing.T) {
	r := NewRegistry(1)
	found, unknown := r.GetConfiguration([]string{KeyHeartbeatInterval, "Bogus"})
	assert.Len(t, found, 1)
	assert.Equal(t, KeyHeartbeatInterval, found[0].Key)
	assert.Equal(t, []string{"Bogus"}, unknown)

	all, noneUnknown := r.GetConfiguration(nil)
	assert.NotEmpty(t, all)
	assert.Empty(t, noneUnknown)
}

func TestRegistry_Defaults(t *testing.T) {
	r := NewRegistry(3)
	defaults := r.Defaults()
	assert.Equal(t, "3", defaults[KeyNumberOfConnectors])
}
