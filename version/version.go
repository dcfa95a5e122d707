// Package version carries the build information set by the linker.
package version

import "fmt"

var (
	Version = "dev-0.0.0"
	Commit  = "000000000000000000000000000000000badf00d"
	Date    = "1970-01-01T00:00:01Z"
	BuiltBy = "dev"
)

// ShortCommit returns a short commit hash.
func ShortCommit() string {
	if len(Commit) < 7 {
		return Commit
	}
	return Commit[:7]
}

func String() string {
	return fmt.Sprintf("layerstore %s (%s) built %s by %s", Version, ShortCommit(), Date, BuiltBy)
}
