package drpc

import "expvar"

// peerMetrics record peer activity counters.
type peerMetrics struct {
	frameRecv    expvar.Int
	frameSent    expvar.Int
	frameDropped expvar.Int // responses for unknown ids, unwritable frames
	callIn       expvar.Int // number of inbound calls received
	callInErr    expvar.Int // number of inbound calls reporting an error
	callOut      expvar.Int // number of outbound calls initiated
	callOutErr   expvar.Int // number of outbound calls reporting an error
	callTimeout  expvar.Int // number of outbound calls that timed out
	callActive   expvar.Int // inbound, currently executing
	callPending  expvar.Int // outbound, in flight
	callQueued   expvar.Int // outbound, waiting for the connection to open
	reconnects   expvar.Int // number of reconnection attempts

	emap *expvar.Map
}

var metrics = newPeerMetrics()

func newPeerMetrics() *peerMetrics {
	pm := &peerMetrics{emap: new(expvar.Map)}
	pm.emap.Set("frames_received", &pm.frameRecv)
	pm.emap.Set("frames_sent", &pm.frameSent)
	pm.emap.Set("frames_dropped", &pm.frameDropped)
	pm.emap.Set("calls_in", &pm.callIn)
	pm.emap.Set("calls_in_failed", &pm.callInErr)
	pm.emap.Set("calls_out", &pm.callOut)
	pm.emap.Set("calls_out_failed", &pm.callOutErr)
	pm.emap.Set("calls_timed_out", &pm.callTimeout)
	pm.emap.Set("calls_active", &pm.callActive)
	pm.emap.Set("calls_pending", &pm.callPending)
	pm.emap.Set("calls_queued", &pm.callQueued)
	pm.emap.Set("reconnects", &pm.reconnects)
	return pm
}
