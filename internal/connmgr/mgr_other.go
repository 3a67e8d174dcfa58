//go:build !linux

package connmgr

// New reports ErrUnsupported outside Linux; BlueZ is the only backend.
func New(opts Options) (Mgr, error) {
	if _, err := opts.withDefaults(); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}
