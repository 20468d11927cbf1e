//go:build !linux

package capture

import "github.com/pkg/errors"

func newKernelBackend() (Backend, error) {
	return nil, &SessionError{
		HasCaptured: false,
		Cause:       errors.New("kernel monitor capture not supported on this operating system"),
	}
}
