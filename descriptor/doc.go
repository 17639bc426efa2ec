// Package descriptor parses dynamic type descriptors for values crossing
// the native boundary.
//
// A descriptor is a plain object with a "type" discriminator, produced by
// the scripting layer for every argument and return value of a native
// call:
//
//	{"type": "int", "size": 32, "signed": true}
//	{"type": "string", "borrowed": true}
//	{"type": "boxed", "innerType": "GdkRGBA", "lib": "libgtk-4.so"}
//	{"type": "array", "itemType": {"type": "string"}, "list": "doubly"}
//	{"type": "callback", "trampoline": "sourceFunc"}
//	{"type": "ref", "innerType": {"type": "int", "size": 32, "signed": true}}
//
// The variant set is closed. Every parsed Type maps deterministically to
// one native call-interface slot type via Type.Native: pointer-shaped
// kinds (string, object, boxed, variant, array, callback, ref, null) map
// to NativePointer, undefined to NativeVoid, scalars one-to-one.
package descriptor
