// Package version carries the tool identity stamped into store files and
// run provenance.
package version

// Tool is the producing-tool name recorded in store root attributes.
const Tool = "costep"

// Version is the current release version. Overridden at build time for
// tagged releases via -ldflags "-X ...".
var Version = "0.3.0-dev"
