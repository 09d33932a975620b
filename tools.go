//go:build tools

package secmsg

// Pins the OSS-Fuzz build shim for the native fuzz targets.
import _ "github.com/AdamKorcz/go-118-fuzz-build/testing"
