package api

import "errors"

var (
	// errVMNotRunning is returned for guest operations against a VM without SSH
	errVMNotRunning = errors.New("vm is not running")
)
