package protocol

import (
	"github.com/migadu/sievemgr/wire"
)

// Request is one protocol operation driven by the client engine.
//
// The engine sends the output of NextRequest when the request reaches the
// head of the queue (unless IsUnsolicited is false), then feeds the receive
// buffer to AddResponse until it succeeds. While HasNextRequest reports true
// after a response, the engine sends NextRequest again; otherwise the request
// is done and leaves the queue.
//
// AddResponse returns wire.ErrIncomplete when the buffer does not yet hold a
// complete response. It must not change any state in that case, the engine
// calls it again with a longer buffer. Any other error leaves the connection
// in an unknown state and is fatal to it.
type Request interface {
	Name() string
	// IsUnsolicited is false for requests that send nothing and only consume
	// a response the server sends on its own, such as the connect banner.
	IsUnsolicited() bool
	HasNextRequest() bool
	NextRequest(b *wire.Builder) ([]byte, error)
	AddResponse(p *wire.Parser) (*Response, error)
	// Cancel completes the request with err unless it already completed.
	Cancel(err error)
}

// Upgrader is implemented by requests that switch the connection to TLS.
// After the request accepted a response the engine checks UpgradeReady, runs
// the TLS handshake and reports the outcome to UpgradeDone. The returned
// requests are queued ahead of everything else.
type Upgrader interface {
	UpgradeReady() bool
	UpgradeDone(err error) []Request
}

// simpleRequest is a command answered by a plain status line.
type simpleRequest struct {
	result[*Response]
	name  string
	build func(b *wire.Builder)
}

func newSimpleRequest(name string, build func(b *wire.Builder)) *simpleRequest {
	r := &simpleRequest{name: name, build: build}
	r.init()
	return r
}

func (r *simpleRequest) Name() string         { return r.name }
func (r *simpleRequest) IsUnsolicited() bool  { return true }
func (r *simpleRequest) HasNextRequest() bool { return false }

func (r *simpleRequest) NextRequest(b *wire.Builder) ([]byte, error) {
	b.AddLiteral(r.name)
	if r.build != nil {
		r.build(b)
	}
	return b.Bytes(), nil
}

func (r *simpleRequest) AddResponse(p *wire.Parser) (*Response, error) {
	resp, err := ParseResponse(p)
	if err != nil {
		return nil, err
	}
	r.complete(resp, resp.Err())
	return resp, nil
}
