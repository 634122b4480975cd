package mirror

import (
	"fmt"

	"github.com/chazu/dexvm/dex"
)

// ---------------------------------------------------------------------------
// Class initialization
// ---------------------------------------------------------------------------

// Initializer supplies what class initialization needs from the runtime.
type Initializer interface {
	ThreadID() uint64
	// VerifyClass verifies c if it has not been verified yet and moves it to
	// StatusVerified or StatusRetryVerificationAtRuntime. A returned error
	// marks the class erroneous.
	VerifyClass(c *Class) error
	// RunClassInitializer executes <clinit>, if c declares one.
	RunClassInitializer(c *Class) error
	// BeginBlocking and EndBlocking bracket a wait for another thread's
	// initialization of the class.
	BeginBlocking()
	EndBlocking()
}

// EnsureInitialized runs class initialization at most once. The first thread
// to arrive initializes the superclass, static values and <clinit>; other
// threads block until it finishes. A recursive request from the
// initializing thread returns immediately. After a failure every later call
// reports NoClassDefFoundError.
func (c *Class) EnsureInitialized(in Initializer) error {
	if c.Status() == StatusInitialized {
		return nil
	}
	tid := in.ThreadID()

	c.initMu.Lock()
	for {
		switch c.Status() {
		case StatusInitialized:
			c.initMu.Unlock()
			return nil
		case StatusError:
			err := c.initErr
			c.initMu.Unlock()
			return &LinkError{
				Descriptor: c.Descriptor,
				Exception:  ExcNoClassDefFound,
				Msg:        "Could not initialize class " + c.PrettyName(),
				Err:        err,
			}
		case StatusInitializing:
			if c.initThread == tid {
				c.initMu.Unlock()
				return nil
			}
			in.BeginBlocking()
			c.initCond.Wait()
			c.initMu.Unlock()
			in.EndBlocking()
			c.initMu.Lock()
			continue
		}
		break
	}

	if !c.IsVerified() {
		c.SetStatus(StatusVerifying)
		if err := in.VerifyClass(c); err != nil {
			c.failLocked(err)
			c.initMu.Unlock()
			return err
		}
		if !c.IsVerified() {
			c.SetStatus(StatusVerified)
		}
	}
	c.SetStatus(StatusInitializing)
	c.initThread = tid
	c.initMu.Unlock()

	var err error
	if c.Super != nil && !c.IsInterface() {
		err = c.Super.EnsureInitialized(in)
	}
	if err == nil {
		err = c.linker.applyStaticValues(c)
	}
	if err == nil {
		err = in.RunClassInitializer(c)
	}

	c.initMu.Lock()
	defer c.initMu.Unlock()
	c.initThread = 0
	if err != nil {
		log.Infof("initialization of %s failed: %v", c.Descriptor, err)
		c.failLocked(err)
		return err
	}
	c.SetStatus(StatusInitialized)
	c.initCond.Broadcast()
	return nil
}

func (c *Class) failLocked(err error) {
	c.initErr = err
	c.SetStatus(StatusError)
	c.initCond.Broadcast()
}

// applyStaticValues stores the encoded static initial values of a
// dex-defined class.
func (l *ClassLinker) applyStaticValues(c *Class) error {
	if c.DexFile == nil || c.ClassDefIdx < 0 {
		return nil
	}
	vals, err := c.DexFile.StaticValues(c.ClassDefIdx)
	if err != nil {
		return err
	}
	for i, v := range vals {
		if i >= len(c.StaticFields) {
			break
		}
		f := c.StaticFields[i]
		switch v.Type {
		case dex.ValueString:
			c.SetStaticRef(f, l.ResolveString(c.DexFile, uint32(v.Bits)))
		case dex.ValueType:
			k, r := l.ResolveType(c.DexFile, uint32(v.Bits))
			if r != Resolved {
				return &LinkError{Descriptor: c.DexFile.TypeDescriptor(uint32(v.Bits)), Exception: ExcNoClassDefFound,
					Msg: fmt.Sprintf("static value %d of %s", i, c.Descriptor), Err: ErrClassNotFound}
			}
			c.SetStaticRef(f, k.ClassObject())
		case dex.ValueNull:
			c.SetStaticRef(f, nil)
		case dex.ValueLong, dex.ValueDouble:
			c.SetStatic64(f, v.Bits)
		case dex.ValueBoolean, dex.ValueByte, dex.ValueShort, dex.ValueChar, dex.ValueInt, dex.ValueFloat:
			c.SetStatic32(f, uint32(v.Bits))
		}
	}
	return nil
}
