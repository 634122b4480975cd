package interp

import (
	"fmt"

	"github.com/chazu/dexvm/mirror"
)

// ---------------------------------------------------------------------------
// Throwables
// ---------------------------------------------------------------------------

// newThrowable allocates an exception of class desc with msg as its detail
// message. Unknown descriptors fall back to java.lang.InternalError.
func (in *Interpreter) newThrowable(desc, msg string) *mirror.Object {
	c, err := in.linker.FindClass(desc)
	if err != nil {
		log.Warningf("cannot raise %s: %v", desc, err)
		c, _ = in.linker.LookupClass(mirror.ExcInternal)
		msg = fmt.Sprintf("%s: %s", desc, msg)
	}
	exc := mirror.NewInstance(c)
	if msg != "" {
		setThrowableMessage(exc, in.linker.NewString(msg))
	}
	return exc
}

// throwNew sets a new pending exception on t.
func (in *Interpreter) throwNew(t *Thread, desc, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	t.SetException(in.newThrowable(desc, msg))
}

func throwableField(exc *mirror.Object, name, typ string) *mirror.Field {
	if exc == nil {
		return nil
	}
	return exc.Class.FindInstanceField(name, typ)
}

func setThrowableMessage(exc, msg *mirror.Object) {
	if f := throwableField(exc, "detailMessage", mirror.DescString); f != nil {
		exc.SetFieldRef(f, msg)
	}
}

func setThrowableCause(exc, cause *mirror.Object) {
	if f := throwableField(exc, "cause", mirror.DescThrowable); f != nil {
		exc.SetFieldRef(f, cause)
	}
}

// ThrowableCause returns the cause recorded on exc, or nil.
func ThrowableCause(exc *mirror.Object) *mirror.Object {
	if f := throwableField(exc, "cause", mirror.DescThrowable); f != nil {
		return exc.GetFieldRef(f)
	}
	return nil
}

// ThrowableMessage returns the detail message of exc, or "".
func ThrowableMessage(exc *mirror.Object) string {
	f := throwableField(exc, "detailMessage", mirror.DescString)
	if f == nil {
		return ""
	}
	if msg := exc.GetFieldRef(f); msg != nil {
		return msg.StringValue()
	}
	return ""
}

// ---------------------------------------------------------------------------
// Catch handlers
// ---------------------------------------------------------------------------

// FindCatchHandler returns the address of the handler in m that catches exc
// thrown at pc. Typed handlers are tried in order before the catch-all. A
// handler whose type cannot be resolved catches nothing, except in
// access-checked mode where resolution failures are tolerated and the
// handler is taken.
func (in *Interpreter) FindCatchHandler(m *mirror.Method, pc uint32, exc *mirror.Object) (uint32, bool) {
	if m.Code == nil {
		return 0, false
	}
	try := m.Code.FindTry(pc)
	if try == nil {
		return 0, false
	}
	h := m.Code.Handler(try)
	if h == nil {
		return 0, false
	}
	for _, e := range h.Entries {
		c, r := in.linker.ResolveType(m.DexFile, e.TypeIdx)
		if r != mirror.Resolved {
			if in.accessChecks(m) {
				log.Debugf("%s: unresolved catch type %s at %#x", m.PrettyMethod(), m.DexFile.TypeDescriptor(e.TypeIdx), e.Addr)
				return e.Addr, true
			}
			continue
		}
		if exc.InstanceOf(c) {
			return e.Addr, true
		}
	}
	if h.HasCatchAll {
		return h.CatchAllAddr, true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Monitors
// ---------------------------------------------------------------------------

// lockMonitor acquires the monitor of obj for t. While it waits for
// another owner, t counts as parked.
func lockMonitor(t *Thread, obj *mirror.Object) {
	mon := obj.Monitor()
	if mon.TryEnter(t.id) {
		return
	}
	t.BeginBlocking()
	mon.Enter(t.id)
	t.EndBlocking()
}

func (in *Interpreter) doMonitorEnter(t *Thread, sf *ShadowFrame, obj *mirror.Object) {
	if obj == nil {
		in.throwNew(t, mirror.ExcNullPointer, "Attempt to lock a null object")
		return
	}
	lockMonitor(t, obj)
	sf.monitors = append(sf.monitors, obj)
}

func (in *Interpreter) doMonitorExit(t *Thread, sf *ShadowFrame, obj *mirror.Object) {
	if obj == nil {
		in.throwNew(t, mirror.ExcNullPointer, "Attempt to unlock a null object")
		return
	}
	if !obj.Monitor().Exit(t.id) {
		in.throwNew(t, mirror.ExcIllegalMonitorState,
			"did not lock monitor on object of type '%s' before unlocking", obj.Class.PrettyName())
		return
	}
	for i := len(sf.monitors) - 1; i >= 0; i-- {
		if sf.monitors[i] == obj {
			sf.monitors = append(sf.monitors[:i], sf.monitors[i+1:]...)
			break
		}
	}
}

// releaseMonitors unlocks everything sf still holds, innermost first.
func (in *Interpreter) releaseMonitors(t *Thread, sf *ShadowFrame) {
	for i := len(sf.monitors) - 1; i >= 0; i-- {
		sf.monitors[i].Monitor().Exit(t.id)
	}
	sf.monitors = nil
}
