// Package version contains the build version of snisocks.
package version

// VersionString is the version that we'll print to the output.  It is set at
// build time with -ldflags "-X ...".
var VersionString = "undefined"
