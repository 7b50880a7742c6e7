// Package buildinfo holds the small set of version constants shared by the
// CLI (-v/--version) and the UDP discovery responder's "fkGetDetail" reply
// (spec.md section 6), mirroring archon's top-level copyright banner but
// trimmed to the one line other components actually need to read.
package buildinfo

// Version is the server build's own version string, distinct from the
// client version range the Auth Manager accepts (spec.md section 4.D gate
// 2) and reported verbatim in the discovery protocol's detail reply.
const Version = "0.5.14"
