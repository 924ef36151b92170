package chargepoint

import (
	"time"

	"github.com/ocpp16cp/chargepoint/internal/ocpp"
)

// seccState is the physical connector-cable state reported by the hardware
// driver.
type seccState int

const (
	seccUnplugged seccState = iota
	seccPlugged
	seccFaulty
)

// connectorKind is the discriminant of the connector FSM tagged variant
// (§3/§4.5). Dispatch on transitions happens centrally via switch in
// connector.go's handlers, never via per-variant methods.
type connectorKind int

const (
	connIdle connectorKind = iota
	connPlugged
	connAuthorized
	connTransaction
	connFinishing
	connReserved
	connUnavailable
	connFaulty
)

type connector struct {
	id   int
	kind connectorKind

	secc      seccState
	errorCode ocpp.ChargePointErrorCode
	info      string

	// connAuthorized / connReserved
	authorizedTag string
	authTimerSet  bool

	// connTransaction
	localTxID    int64
	txIDTag      string
	suspended    bool

	// connReserved
	reservationID  string
	reservedIdTag  string
	reservedParent *string

	// pendingInoperative marks an Inoperative ChangeAvailability received
	// during a transaction, applied when that transaction stops (§4.10).
	// priorKind records the kind held before entering connUnavailable /
	// connFaulty; nothing reads it back: Operative returns to connIdle and a
	// cleared fault goes by the new secc state.
	pendingInoperative bool
	priorKind          connectorKind

	statusDebounce statusDebounceState
	lastSentStatus ocpp.ChargePointStatus
}

func newConnector(id int) *connector {
	return &connector{id: id, kind: connIdle, secc: seccUnplugged}
}

// derivedStatus computes the externally observable ChargePointStatus as a
// pure function of connector state and firmware state (§4.5.1).
func (c *connector) derivedStatus(firmwareBlocksAvailability bool) ocpp.ChargePointStatus {
	if firmwareBlocksAvailability && c.kind != connTransaction {
		return ocpp.ChargePointStatusUnavailable
	}
	switch c.kind {
	case connIdle:
		return ocpp.ChargePointStatusAvailable
	case connPlugged, connAuthorized:
		return ocpp.ChargePointStatusPreparing
	case connTransaction:
		switch {
		case c.secc == seccFaulty:
			return ocpp.ChargePointStatusFaulted
		case c.secc == seccUnplugged:
			return ocpp.ChargePointStatusSuspendedEV
		case c.suspended:
			return ocpp.ChargePointStatusSuspendedEVSE
		default:
			return ocpp.ChargePointStatusCharging
		}
	case connFinishing:
		return ocpp.ChargePointStatusFinishing
	case connReserved:
		return ocpp.ChargePointStatusReserved
	case connUnavailable:
		if c.secc == seccFaulty {
			return ocpp.ChargePointStatusFaulted
		}
		return ocpp.ChargePointStatusUnavailable
	case connFaulty:
		return ocpp.ChargePointStatusFaulted
	default:
		return ocpp.ChargePointStatusAvailable
	}
}

// statusDebounceKind is the discriminant for §4.5.2.
type statusDebounceKind int

const (
	debounceIdle statusDebounceKind = iota
	debounceStabilizing
	debounceOffline
)

type statusDebounceState struct {
	kind          statusDebounceKind
	lastSent      ocpp.ChargePointStatus
	hasLastSent   bool
}

// onSECC applies a physical secc(state) event per the §4.5 transition
// table and recomputes the connector's status.
func (cp *ChargePoint) onSECC(c *connector, state seccState, errCode ocpp.ChargePointErrorCode, info string) {
	c.secc = state
	c.errorCode = errCode
	c.info = info

	if state == seccFaulty {
		if c.kind == connReserved {
			cp.removeReservation(c.reservationID)
		}
		if c.kind == connAuthorized {
			cp.timers.Remove(authorizeTimerID(c.id))
		}
		if c.kind != connTransaction && c.kind != connUnavailable {
			c.priorKind = c.kind
			c.kind = connFaulty
		} else {
			// Transaction / Unavailable: secc becomes Faulty in place; status
			// recomputes via derivedStatus without leaving the current kind.
		}
		cp.recomputeStatus(c)
		return
	}

	switch c.kind {
	case connIdle:
		if state == seccPlugged {
			c.kind = connPlugged
		}
	case connPlugged:
		if state == seccUnplugged {
			c.kind = connIdle
		}
	case connAuthorized:
		if state == seccPlugged {
			cp.startTransactionOn(c, c.authorizedTag, nil)
		}
	case connTransaction:
		if state == seccUnplugged && cp.registry.StopTransactionOnEVSideDisconnect() {
			cp.stopTransactionOn(c, ocpp.ReasonEVDisconnected, nil)
		}
	case connFinishing:
		if state == seccUnplugged {
			c.kind = connIdle
		}
	case connReserved:
		if state == seccPlugged {
			// stays Reserved but marks plugged via secc field only
		} else if state == seccUnplugged {
			// clears plugged via secc field only
		}
	case connFaulty:
		if state == seccPlugged {
			c.kind = connPlugged
		} else if state == seccUnplugged {
			c.kind = connIdle
		}
	}
	cp.recomputeStatus(c)
}

// onIdTag applies an id_tag(tag) presentation event through the
// authorization resolver and the §4.5 transition table.
func (cp *ChargePoint) onIdTag(c *connector, tag string) {
	switch c.kind {
	case connFinishing, connUnavailable, connFaulty:
		return
	case connTransaction:
		if tag == c.txIDTag {
			cp.stopTransactionOn(c, ocpp.ReasonLocal, nil)
		}
		return
	case connAuthorized:
		if tag == c.authorizedTag {
			return // idempotent extend
		}
		return
	case connReserved:
		if tag == c.reservedIdTag || (c.reservedParent != nil && *c.reservedParent == tag) {
			cp.timers.Remove(ID(timerReservation, c.id))
			if c.secc == seccPlugged {
				cp.startTransactionOn(c, tag, &c.reservationID)
			} else {
				c.kind = connAuthorized
				c.authorizedTag = tag
			}
			cp.recomputeStatus(c)
		}
		return
	}

	result := cp.resolveAuthorization(tag, c.id)
	switch result.kind {
	case authResultAuthorized:
		if c.kind == connPlugged {
			cp.startTransactionOn(c, tag, nil)
		} else if c.kind == connIdle {
			c.kind = connAuthorized
			c.authorizedTag = tag
			cp.timers.AddOrUpdate(ID(timerAuthorize, c.id), cp.authorizeTimeout())
			cp.recomputeStatus(c)
		}
	case authResultSendAuthorize:
		cp.sendAuthorize(c.id, tag)
	case authResultNotAuthorized:
		// dropped silently per §4.6
	}
}

func authorizeTimerID(connector int) ID { return ID(timerAuthorize, connector) }

func (cp *ChargePoint) authorizeTimeout() time.Duration {
	return time.Duration(cp.registry.ConnectionTimeOut()) * time.Second
}

// onAuthorizeTimeout clears a stale Authorized hold.
func (cp *ChargePoint) onAuthorizeTimeout(connectorID int) {
	c := cp.connectors[connectorID]
	if c.kind == connAuthorized {
		c.kind = connIdle
		c.authorizedTag = ""
		cp.recomputeStatus(c)
	}
}

// recomputeStatus runs the derived-status function (§4.5.1) and feeds the
// result through the debounce state machine (§4.5.2), scheduling or
// suppressing a StatusNotification as appropriate.
func (cp *ChargePoint) recomputeStatus(c *connector) {
	status := c.derivedStatus(cp.firmwareBlocksAvailability(c.id))
	cp.debounceStatus(c, status)
}

func (cp *ChargePoint) debounceStatus(c *connector, status ocpp.ChargePointStatus) {
	d := &c.statusDebounce
	switch d.kind {
	case debounceIdle:
		if !d.hasLastSent || d.lastSent != status {
			prev := d.lastSent
			d.kind = debounceStabilizing
			d.lastSent = prev
			d.hasLastSent = true
			minDur := time.Duration(cp.registry.MinimumStatusDuration()) * time.Second
			cp.timers.AddOrUpdate(ID(timerStatusNotification, c.id), minDur)
			cp.pendingStatus[c.id] = status
		}
	case debounceStabilizing:
		if status == d.lastSent {
			cp.timers.Remove(ID(timerStatusNotification, c.id))
			d.kind = debounceIdle
			delete(cp.pendingStatus, c.id)
		} else {
			minDur := time.Duration(cp.registry.MinimumStatusDuration()) * time.Second
			cp.timers.AddOrUpdate(ID(timerStatusNotification, c.id), minDur)
			cp.pendingStatus[c.id] = status
		}
	case debounceOffline:
		cp.pendingStatus[c.id] = status
	}
}

// onStatusNotificationTimer fires a due StatusNotification and returns the
// connector to debounceIdle, updating lastSent.
func (cp *ChargePoint) onStatusNotificationTimer(connectorID int) {
	c := cp.connectors[connectorID]
	status, ok := cp.pendingStatus[connectorID]
	if !ok {
		return
	}
	cp.sendStatusNotification(connectorID, status)
	c.statusDebounce.kind = debounceIdle
	c.statusDebounce.lastSent = status
	c.statusDebounce.hasLastSent = true
	delete(cp.pendingStatus, connectorID)
}

// onConnectorGoOffline/onConnectorGoOnline implement the Offline branch of §4.5.2.
func (cp *ChargePoint) onConnectorGoOffline(c *connector) {
	last := c.statusDebounce.lastSent
	if !c.statusDebounce.hasLastSent {
		last = c.derivedStatus(cp.firmwareBlocksAvailability(c.id))
	}
	cp.timers.Remove(ID(timerStatusNotification, c.id))
	c.statusDebounce = statusDebounceState{kind: debounceOffline, lastSent: last, hasLastSent: true}
}

func (cp *ChargePoint) onConnectorGoOnline(c *connector) {
	current := c.derivedStatus(cp.firmwareBlocksAvailability(c.id))
	if !c.statusDebounce.hasLastSent || current != c.statusDebounce.lastSent {
		cp.sendStatusNotification(c.id, current)
		c.statusDebounce = statusDebounceState{kind: debounceIdle, lastSent: current, hasLastSent: true}
	} else {
		c.statusDebounce = statusDebounceState{kind: debounceIdle, lastSent: current, hasLastSent: true}
	}
}
