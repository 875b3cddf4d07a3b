//go:build !linux

package uevent

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/gyaneshwarpardhi/mdevd/internal/event"
)

const (
	KernelGroup      = 1
	RebroadcastGroup = 4
)

var errUnsupported = errors.New("kernel uevents are only available on linux")

type Listener struct{}

func Listen(func(map[string]string), *zap.Logger) (*Listener, error) { return nil, errUnsupported }

func (*Listener) Next(context.Context) (*event.Event, error) { return nil, errUnsupported }
func (*Listener) Close() error                               { return nil }

type Rebroadcaster struct{}

func NewRebroadcaster(uint32) (*Rebroadcaster, error) { return nil, errUnsupported }

func (*Rebroadcaster) Publish(*event.Event) error { return errUnsupported }
func (*Rebroadcaster) Close() error               { return nil }
