//go:build cgo

package remote

// go-libsql is a cgo package; it registers the "libsql" driver only when cgo
// is enabled.
import _ "github.com/tursodatabase/go-libsql"
