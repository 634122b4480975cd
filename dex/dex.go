// Package dex reads, writes, decodes and structurally checks Dalvik
// executable files.
package dex

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("dexvm.dex")

// NoIndex marks an absent pool reference (superclass of java.lang.Object,
// missing source file, and so on).
const NoIndex = 0xffffffff

// Access flags as they appear in class_def_item, encoded_field and
// encoded_method.
const (
	AccPublic               uint32 = 0x00001
	AccPrivate              uint32 = 0x00002
	AccProtected            uint32 = 0x00004
	AccStatic               uint32 = 0x00008
	AccFinal                uint32 = 0x00010
	AccSynchronized         uint32 = 0x00020
	AccVolatile             uint32 = 0x00040
	AccBridge               uint32 = 0x00040
	AccTransient            uint32 = 0x00080
	AccVarargs              uint32 = 0x00080
	AccNative               uint32 = 0x00100
	AccInterface            uint32 = 0x00200
	AccAbstract             uint32 = 0x00400
	AccStrict               uint32 = 0x00800
	AccSynthetic            uint32 = 0x01000
	AccAnnotation           uint32 = 0x02000
	AccEnum                 uint32 = 0x04000
	AccConstructor          uint32 = 0x10000
	AccDeclaredSynchronized uint32 = 0x20000
)

// ErrTruncated is returned when an instruction or payload runs past the end
// of its code array.
var ErrTruncated = errors.New("dex: truncated instruction")

// ErrBadMagic is returned by Open for images that do not start with "dex\n".
var ErrBadMagic = errors.New("dex: bad magic")

// FormatError reports a structural problem at a byte offset in the image.
type FormatError struct {
	Offset uint32
	Msg    string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("dex: offset 0x%08x: %s", e.Offset, e.Msg)
}
