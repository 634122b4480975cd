package interp

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/mirror"
)

var nextThreadID atomic.Uint64

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// Frame is one activation on a thread's managed stack: a *ShadowFrame for
// interpreted code or a *CompiledFrame for compiled code.
type Frame interface {
	Method() *mirror.Method
	DexPC() uint32
}

// ---------------------------------------------------------------------------
// Thread
// ---------------------------------------------------------------------------

// Thread is the interpreter state of one managed thread: its frame stack and
// pending exception. A Thread is used by one goroutine at a time; other
// goroutines may only read its stack while it is suspended.
type Thread struct {
	ID uuid.UUID

	id        uint64
	frames    []Frame
	exception *mirror.Object
	suspend   *SuspendController
	// entered counts nested Invoke calls from outside managed code.
	entered int
	blocked bool
}

// NewThread creates a thread that polls sc at suspend points. sc may be nil.
func NewThread(sc *SuspendController) *Thread {
	return &Thread{
		ID:      uuid.New(),
		id:      nextThreadID.Add(1),
		suspend: sc,
	}
}

// ThreadID returns the numeric id used for monitor ownership.
func (t *Thread) ThreadID() uint64 { return t.id }

func (t *Thread) String() string { return fmt.Sprintf("thread %s", t.ID) }

// Exception returns the pending exception, or nil.
func (t *Thread) Exception() *mirror.Object { return t.exception }

func (t *Thread) IsExceptionPending() bool { return t.exception != nil }

func (t *Thread) SetException(exc *mirror.Object) { t.exception = exc }

func (t *Thread) ClearException() { t.exception = nil }

// Depth returns the number of frames on the managed stack.
func (t *Thread) Depth() int { return len(t.frames) }

// TopFrame returns the innermost frame, or nil.
func (t *Thread) TopFrame() Frame {
	if len(t.frames) == 0 {
		return nil
	}
	return t.frames[len(t.frames)-1]
}

// Frames returns the stack, outermost frame first. The slice is a copy;
// the frames are not.
func (t *Thread) Frames() []Frame {
	return append([]Frame(nil), t.frames...)
}

func (t *Thread) pushFrame(f Frame) { t.frames = append(t.frames, f) }

func (t *Thread) popFrame() {
	t.frames[len(t.frames)-1] = nil
	t.frames = t.frames[:len(t.frames)-1]
}

func (t *Thread) replaceTop(f Frame) { t.frames[len(t.frames)-1] = f }

// CheckSuspend is the cooperative safepoint: it blocks while a suspension
// of all threads is in effect.
func (t *Thread) CheckSuspend() {
	if t.suspend != nil {
		t.suspend.checkpoint()
	}
}

// BeginBlocking marks t as parked while it waits on another thread, so a
// SuspendAll issued meanwhile does not wait for it. Every BeginBlocking is
// followed by EndBlocking once the wait is over.
func (t *Thread) BeginBlocking() {
	if t.suspend == nil || t.entered == 0 {
		return
	}
	t.blocked = true
	t.suspend.enterBlocking()
}

// EndBlocking undoes BeginBlocking. If a suspension is in effect it stays
// parked until ResumeAll. Callers must not hold locks other threads need to
// reach a suspend point.
func (t *Thread) EndBlocking() {
	if !t.blocked {
		return
	}
	t.blocked = false
	t.suspend.leaveBlocking()
}

// ---------------------------------------------------------------------------
// SuspendController
// ---------------------------------------------------------------------------

// SuspendController pauses every thread running managed code at its next
// suspend point. SuspendAll returns once all such threads are parked.
type SuspendController struct {
	requested atomic.Bool

	mu      sync.Mutex
	cond    *sync.Cond
	depth   int // nested SuspendAll calls
	running int // threads inside managed code
	parked  int
}

func NewSuspendController() *SuspendController {
	sc := &SuspendController{}
	sc.cond = sync.NewCond(&sc.mu)
	return sc
}

// SuspendAll requests suspension and waits until every running thread has
// reached a suspend point.
func (sc *SuspendController) SuspendAll() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.depth++
	sc.requested.Store(true)
	for sc.parked < sc.running {
		sc.cond.Wait()
	}
}

// ResumeAll undoes one SuspendAll.
func (sc *SuspendController) ResumeAll() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.depth == 0 {
		return
	}
	sc.depth--
	if sc.depth == 0 {
		sc.requested.Store(false)
		sc.cond.Broadcast()
	}
}

func (sc *SuspendController) checkpoint() {
	if !sc.requested.Load() {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.parked++
	sc.cond.Broadcast()
	for sc.depth > 0 {
		sc.cond.Wait()
	}
	sc.parked--
}

func (sc *SuspendController) enterBlocking() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.parked++
	sc.cond.Broadcast()
}

func (sc *SuspendController) leaveBlocking() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for sc.depth > 0 {
		sc.cond.Wait()
	}
	sc.parked--
}

// attach registers a thread entering managed code. It parks first if a
// suspension is in effect so SuspendAll never sees it half-started.
func (sc *SuspendController) attach() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for sc.depth > 0 {
		sc.cond.Wait()
	}
	sc.running++
}

func (sc *SuspendController) detach() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.running--
	sc.cond.Broadcast()
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ThrownError carries a managed exception out of the outermost interpreted
// frame.
type ThrownError struct {
	Exception *mirror.Object
}

func (e *ThrownError) Error() string {
	desc := e.Exception.Class.Descriptor
	if msg := ThrowableMessage(e.Exception); msg != "" {
		return dex.PrettyDescriptor(desc) + ": " + msg
	}
	return dex.PrettyDescriptor(desc)
}

// Descriptor returns the class descriptor of the exception.
func (e *ThrownError) Descriptor() string { return e.Exception.Class.Descriptor }
