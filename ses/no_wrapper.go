//go:build !seswrapper

package ses

import "errors"

// ErrNoWrapper is returned by OpenLibrary in builds without the SES binding.
var ErrNoWrapper = errors.New("built without the SES library binding (rebuild with -tags seswrapper) or use the simulated instrument")

// OpenLibrary returns the SES library binding. This build has none; use NoHardware instead.
func OpenLibrary() (Library, error) {
	return nil, ErrNoWrapper
}
