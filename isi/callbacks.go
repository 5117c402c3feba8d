package isi

import lon "github.com/ehrlich-b/go-lon"

// Application callbacks. Every registrar follows the same convention:
// registering nil deregisters the callback, and the engine falls back to
// its built-in default.

// RegisterUpdateUserInterface receives enrollment and acquisition events.
func (e *Engine) RegisterUpdateUserInterface(fn func(Event, int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cbUI = fn
}

// RegisterUpdateDiagnostics receives counted diagnostic events.
func (e *Engine) RegisterUpdateDiagnostics(fn func(DiagEvent, int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cbDiag = fn
}

// RegisterGetDpIndex resolves (assembly, offset) to a datapoint index;
// previous carries the prior result for multi-datapoint assemblies.
func (e *Engine) RegisterGetDpIndex(fn func(assembly, offset, previous int) int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cbGetDpIndex = fn
}

// RegisterGetWidth reports the number of datapoints in an assembly.
func (e *Engine) RegisterGetWidth(fn func(assembly int) int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cbGetWidth = fn
}

// RegisterCreateCsmo supplies the invitation payload for a host assembly.
func (e *Engine) RegisterCreateCsmo(fn func(assembly int) CsmoData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cbCreateCsmo = fn
}

// RegisterGetPrimaryGroup supplies the group id announced in invitations.
func (e *Engine) RegisterGetPrimaryGroup(fn func(assembly int) uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cbPrimaryGroup = fn
}

// RegisterGetAssembly maps an incoming invitation to a local assembly;
// returns a negative value to decline. previous carries the prior result
// so one invitation can enroll several assemblies.
func (e *Engine) RegisterGetAssembly(fn func(csmo CsmoData, auto bool, previous int) int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cbGetAssembly = fn
}

// RegisterQueryHeartbeat lets the application intercept a due heartbeat;
// returning true suppresses the engine's republish.
func (e *Engine) RegisterQueryHeartbeat(fn func(dpIndex int) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cbQueryHeartbeat = fn
}

// RegisterGetDpValue supplies the current value republished by heartbeats.
func (e *Engine) RegisterGetDpValue(fn func(dpIndex int) []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cbGetDpValue = fn
}

// RegisterCreatePeriodicMsg supplies an application message for the free
// slot of the periodic rotation; nil result skips the slot.
func (e *Engine) RegisterCreatePeriodicMsg(fn func() *lon.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cbPeriodicMsg = fn
}

// ui fires the user-interface callback, shielding the tick loop.
func (e *Engine) ui(ev Event, param int) {
	fn := e.cbUI
	if fn == nil {
		return
	}
	defer func() {
		if recover() != nil {
			e.diagCount(DiagCallbackFailure, 0)
		}
	}()
	fn(ev, param)
}

// diag fires the diagnostics callback and counts the event.
func (e *Engine) diag(ev DiagEvent, param int) {
	e.diagEvents++
	fn := e.cbDiag
	if fn == nil {
		return
	}
	defer func() { _ = recover() }()
	fn(ev, param)
}

// diagCount counts without re-entering the callback.
func (e *Engine) diagCount(ev DiagEvent, param int) {
	e.diagEvents++
	_ = ev
	_ = param
}
