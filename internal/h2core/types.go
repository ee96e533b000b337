package h2core

import (
	"github.com/baranov-labs/h2session/internal/h2frame"
)

// HeaderField and ErrCode are re-exported so callers of h2core never need to
// import h2frame directly for these wire-level vocabulary types.
type HeaderField = h2frame.HeaderField
type ErrCode = h2frame.ErrCode
type Stream = h2frame.Stream
type Endpoint = h2frame.Endpoint
type Settings = h2frame.Settings
type Role = h2frame.Role
type PromiseEvent = h2frame.PromiseEvent

const (
	RoleServer = h2frame.RoleServer
	RoleClient = h2frame.RoleClient

	ErrCodeNo       = h2frame.ErrCodeNo
	ErrCodeProtocol = h2frame.ErrCodeProtocol
	ErrCodeCancel   = h2frame.ErrCodeCancel
	ErrCodeRefused  = h2frame.ErrCodeRefused
)

// NewEndpoint forwards to h2frame.NewEndpoint so callers of h2core never
// need to import h2frame directly.
var NewEndpoint = h2frame.NewEndpoint
