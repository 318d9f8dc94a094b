package main

import "errors"

var (
	ErrLoadConfig      = errors.New("load config")
	ErrOpenStore       = errors.New("open store")
	ErrMissingUpstream = errors.New("upstream is required (--upstream or proxy.upstream)")
	ErrInvalidMockData = errors.New("mock data is not valid JSON")
	ErrInvalidModify   = errors.New("modification must be path=value")
	ErrServe           = errors.New("serve")
)
