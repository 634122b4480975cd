package hash

// ---------------------------------------------------------------------------
// Frozen tag bytes for the method fingerprint serialization format.
//
// IMPORTANT: These tags are FROZEN. Once assigned, a tag byte must never
// change meaning. Adding new tags is fine; changing existing ones breaks
// every persisted fingerprint.
// ---------------------------------------------------------------------------

// HashVersion is the version prefix for the serialization format.
// Bumping this invalidates all existing fingerprints.
const HashVersion byte = 1

const (
	TagReservedZero byte = 0x00 // version prefix / reserved

	// Structure
	TagMethod      byte = 0x01
	TagNoCode      byte = 0x02
	TagInstruction byte = 0x03
	TagPayload     byte = 0x04
	TagTry         byte = 0x05
	TagCatch       byte = 0x06
	TagCatchAll    byte = 0x07

	// Symbolic pool references, in place of raw indices
	TagNoRef        byte = 0x10
	TagStringRef    byte = 0x11
	TagTypeRef      byte = 0x12
	TagFieldRef     byte = 0x13
	TagMethodRef    byte = 0x14
	TagProtoRef     byte = 0x15
	TagRawIndex     byte = 0x16
	TagArgumentList byte = 0x17

	// Reserved 0xFE-0xFF
)

// allTags lists every assigned tag for uniqueness checks.
var allTags = []byte{
	TagReservedZero,
	TagMethod, TagNoCode, TagInstruction, TagPayload, TagTry, TagCatch, TagCatchAll,
	TagNoRef, TagStringRef, TagTypeRef, TagFieldRef, TagMethodRef, TagProtoRef, TagRawIndex, TagArgumentList,
}
