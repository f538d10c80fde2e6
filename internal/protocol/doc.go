// Package protocol owns the fabric wire contract shared by tree daemons.
//
// Ownership boundary:
// - frame/header primitives (frame)
// - tlv payload primitives (tlv)
// - parent dial and retry policy (dial)
package protocol
