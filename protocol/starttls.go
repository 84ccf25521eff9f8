package protocol

import (
	"context"

	"github.com/migadu/sievemgr/wire"
)

// StartTLSRequest upgrades the connection to TLS and fetches the capabilities
// valid on the secured connection.
//
// RFC 5804 servers send a capability banner on their own once the handshake
// completed, older servers (no VERSION capability) only answer an explicit
// CAPABILITY. After the upgrade the request queues a silent InitRequest
// to absorb the banner when the server announced VERSION before the upgrade,
// followed by an explicit CapabilitiesRequest in every case. The snapshot
// returned by Wait always comes from the explicit request.
type StartTLSRequest struct {
	result[struct{}]
	legacy bool
	ready  bool
	caps   *CapabilitiesRequest
}

// NewStartTLSRequest prepares the upgrade. preTLS is the listing received on
// the plaintext connection and decides whether a banner is expected.
func NewStartTLSRequest(preTLS *Capabilities) *StartTLSRequest {
	r := &StartTLSRequest{legacy: preTLS == nil || !preTLS.IsRFC5804()}
	r.init()
	return r
}

func (r *StartTLSRequest) Name() string         { return "STARTTLS" }
func (r *StartTLSRequest) IsUnsolicited() bool  { return true }
func (r *StartTLSRequest) HasNextRequest() bool { return false }

// Legacy reports whether no post-handshake banner is expected.
func (r *StartTLSRequest) Legacy() bool { return r.legacy }

func (r *StartTLSRequest) NextRequest(b *wire.Builder) ([]byte, error) {
	return b.AddLiteral("STARTTLS").Bytes(), nil
}

func (r *StartTLSRequest) AddResponse(p *wire.Parser) (*Response, error) {
	resp, err := ParseResponse(p)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		r.complete(struct{}{}, err)
		return resp, nil
	}
	r.ready = true
	return resp, nil
}

func (r *StartTLSRequest) UpgradeReady() bool {
	return r.ready
}

func (r *StartTLSRequest) UpgradeDone(err error) []Request {
	r.ready = false
	if err != nil {
		r.complete(struct{}{}, err)
		return nil
	}

	r.caps = NewCapabilitiesRequest()
	var followUps []Request
	if !r.legacy {
		followUps = append(followUps, NewSilentInitRequest())
	}
	followUps = append(followUps, r.caps)
	r.complete(struct{}{}, nil)
	return followUps
}

// Wait returns the capabilities of the secured connection.
func (r *StartTLSRequest) Wait(ctx context.Context) (*Capabilities, error) {
	if _, err := r.result.Wait(ctx); err != nil {
		return nil, err
	}
	return r.caps.Wait(ctx)
}
